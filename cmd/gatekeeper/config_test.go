// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() fileConfig {
	return fileConfig{
		HomeserverURL: "https://matrix.example.org",
		UserID:        "@gatekeeper:example.org",
		TokenFile:     "/run/secrets/token",
		RulesRoom:     "!rules:example.org",
		TargetEvent:   "$rulesmessage",
		ContentSpace:  "!space:example.org",
	}
}

func TestResolveValid(t *testing.T) {
	config, err := validConfig().resolve("")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if config.userID.String() != "@gatekeeper:example.org" {
		t.Errorf("unexpected user: %s", config.userID)
	}
	if config.gate.BotUser != config.userID {
		t.Error("bot user should match the configured user ID")
	}
	if config.gate.RepostThreshold != defaultRepostThreshold {
		t.Errorf("expected default threshold, got %d", config.gate.RepostThreshold)
	}
	if !config.gate.Welcome.IsZero() {
		t.Error("welcome should be unconfigured")
	}
}

func TestResolveMissingRequired(t *testing.T) {
	cases := map[string]func(*fileConfig){
		"homeserver":    func(c *fileConfig) { c.HomeserverURL = "" },
		"user ID":       func(c *fileConfig) { c.UserID = "" },
		"token":         func(c *fileConfig) { c.TokenFile = "" },
		"rules room":    func(c *fileConfig) { c.RulesRoom = "" },
		"target event":  func(c *fileConfig) { c.TargetEvent = "" },
		"content space": func(c *fileConfig) { c.ContentSpace = "" },
	}
	for name, strip := range cases {
		config := validConfig()
		strip(&config)
		if _, err := config.resolve(""); err == nil {
			t.Errorf("missing %s: expected error", name)
		}
	}
}

func TestResolveInvalidIdentifiers(t *testing.T) {
	cases := map[string]func(*fileConfig){
		"user without sigil":  func(c *fileConfig) { c.UserID = "gatekeeper:example.org" },
		"room without sigil":  func(c *fileConfig) { c.RulesRoom = "rules:example.org" },
		"event without sigil": func(c *fileConfig) { c.TargetEvent = "rulesmessage" },
		"alias as room":       func(c *fileConfig) { c.ContentSpace = "#space:example.org" },
	}
	for name, corrupt := range cases {
		config := validConfig()
		corrupt(&config)
		if _, err := config.resolve(""); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestResolveEnvTokenSatisfiesRequirement(t *testing.T) {
	config := validConfig()
	config.TokenFile = ""

	resolved, err := config.resolve("syt_token")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.accessToken != "syt_token" {
		t.Errorf("unexpected token: %s", resolved.accessToken)
	}
}

func TestResolveNegativeThreshold(t *testing.T) {
	config := validConfig()
	config.RepostThreshold = -1
	if _, err := config.resolve(""); err == nil {
		t.Error("negative threshold should be rejected")
	}
}

func TestMergeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gatekeeper.yaml")
	content := `
homeserver_url: https://matrix.example.org
rules_room: "!rules:example.org"
repost_threshold: 5
welcome:
  text: hello there
  markdown: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	config := fileConfig{
		HomeserverURL: "https://other.example.org",
		UserID:        "@gatekeeper:example.org",
	}
	if err := config.mergeFile(path); err != nil {
		t.Fatalf("mergeFile failed: %v", err)
	}

	// The file's values replace existing ones; absent keys keep theirs.
	if config.HomeserverURL != "https://matrix.example.org" {
		t.Errorf("file should override homeserver, got %s", config.HomeserverURL)
	}
	if config.UserID != "@gatekeeper:example.org" {
		t.Errorf("user ID should be kept, got %s", config.UserID)
	}
	if config.RepostThreshold != 5 {
		t.Errorf("unexpected threshold: %d", config.RepostThreshold)
	}
	if config.Welcome.Text != "hello there" || !config.Welcome.Markdown {
		t.Errorf("unexpected welcome config: %+v", config.Welcome)
	}
}

func TestMergeFileInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("homeserver_url: [not, a, string"), 0o600); err != nil {
		t.Fatal(err)
	}

	var config fileConfig
	if err := config.mergeFile(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
	if err := config.mergeFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"GATEKEEPER_HOMESERVER":       "https://env.example.org",
		"GATEKEEPER_REPOST_THRESHOLD": "7",
		"GATEKEEPER_POST_RULES":       "true",
		"GATEKEEPER_WELCOME_TEXT":     "env welcome",
		"GATEKEEPER_ACCESS_TOKEN":     "syt_env",
	}
	lookup := func(name string) (string, bool) {
		value, ok := env[name]
		return value, ok
	}

	config := validConfig()
	token, err := config.applyEnv(lookup)
	if err != nil {
		t.Fatalf("applyEnv failed: %v", err)
	}

	if config.HomeserverURL != "https://env.example.org" {
		t.Errorf("env should override homeserver, got %s", config.HomeserverURL)
	}
	if config.UserID != "@gatekeeper:example.org" {
		t.Error("unset env vars should not clobber existing values")
	}
	if config.RepostThreshold != 7 {
		t.Errorf("unexpected threshold: %d", config.RepostThreshold)
	}
	if !config.PostRulesAtStartup {
		t.Error("POST_RULES should enable startup post")
	}
	if config.Welcome.Text != "env welcome" {
		t.Errorf("unexpected welcome text: %s", config.Welcome.Text)
	}
	if token != "syt_env" {
		t.Errorf("unexpected token: %s", token)
	}
}

func TestApplyEnvBadValues(t *testing.T) {
	config := validConfig()
	_, err := config.applyEnv(func(name string) (string, bool) {
		if name == "GATEKEEPER_REPOST_THRESHOLD" {
			return "lots", true
		}
		return "", false
	})
	if err == nil {
		t.Error("expected error for non-numeric threshold")
	}

	_, err = config.applyEnv(func(name string) (string, bool) {
		if name == "GATEKEEPER_POST_RULES" {
			return "maybe", true
		}
		return "", false
	})
	if err == nil {
		t.Error("expected error for non-boolean post flag")
	}
}

func TestMessageConfigLoad(t *testing.T) {
	t.Run("inline text only", func(t *testing.T) {
		pair, err := messageConfig{Text: "hello"}.load()
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if pair.Plain != "hello" || pair.HTML != "" {
			t.Errorf("unexpected pair: %+v", pair)
		}
	})

	t.Run("empty config is zero pair", func(t *testing.T) {
		pair, err := messageConfig{}.load()
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if !pair.IsZero() {
			t.Errorf("expected zero pair, got %+v", pair)
		}
	})

	t.Run("text file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "welcome.txt")
		if err := os.WriteFile(path, []byte("welcome!\n"), 0o600); err != nil {
			t.Fatal(err)
		}

		pair, err := messageConfig{TextFile: path}.load()
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if pair.Plain != "welcome!" {
			t.Errorf("unexpected text: %q", pair.Plain)
		}
	})

	t.Run("missing text file", func(t *testing.T) {
		if _, err := (messageConfig{TextFile: "/nonexistent"}).load(); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("markdown rendering", func(t *testing.T) {
		pair, err := messageConfig{Text: "please **read** the rules", Markdown: true}.load()
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if !strings.Contains(pair.HTML, "<strong>read</strong>") {
			t.Errorf("expected bold rendering, got %q", pair.HTML)
		}
		if pair.Plain != "please **read** the rules" {
			t.Errorf("plain text should keep the markdown source, got %q", pair.Plain)
		}
	})

	t.Run("explicit HTML wins over markdown", func(t *testing.T) {
		pair, err := messageConfig{Text: "hi", HTML: "<p>hi</p>", Markdown: true}.load()
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if pair.HTML != "<p>hi</p>" {
			t.Errorf("unexpected HTML: %q", pair.HTML)
		}
	})
}
