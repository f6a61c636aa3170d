// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/jordankrueger/matrix-gatekeeper/gate"
)

// markdownRenderer converts message text to the HTML body sent as
// org.matrix.custom.html. GFM covers the lists and autolinks community
// rules messages typically use.
var markdownRenderer = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// load resolves a messageConfig into a gate.MessagePair: inline text
// or a text file for the plain body, then inline HTML, an HTML file,
// or a Markdown rendering of the text for the formatted body. An empty
// config returns a zero pair, leaving the action unconfigured.
func (m messageConfig) load() (gate.MessagePair, error) {
	text := m.Text
	if m.TextFile != "" {
		data, err := os.ReadFile(m.TextFile)
		if err != nil {
			return gate.MessagePair{}, fmt.Errorf("reading text file: %w", err)
		}
		text = strings.TrimRight(string(data), "\n")
	}
	if text == "" {
		return gate.MessagePair{}, nil
	}

	html := m.HTML
	if m.HTMLFile != "" {
		data, err := os.ReadFile(m.HTMLFile)
		if err != nil {
			return gate.MessagePair{}, fmt.Errorf("reading HTML file: %w", err)
		}
		html = strings.TrimRight(string(data), "\n")
	}
	if html == "" && m.Markdown {
		rendered, err := renderMarkdown(text)
		if err != nil {
			return gate.MessagePair{}, err
		}
		html = rendered
	}

	return gate.MessagePair{Plain: text, HTML: html}, nil
}

func renderMarkdown(text string) (string, error) {
	var buffer bytes.Buffer
	if err := markdownRenderer.Convert([]byte(text), &buffer); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return strings.TrimRight(buffer.String(), "\n"), nil
}
