// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/jordankrueger/matrix-gatekeeper/gate"
	"github.com/jordankrueger/matrix-gatekeeper/lib/ref"
)

// messageConfig describes one configurable message pair. Text may be
// inline or loaded from a file; the HTML rendering may be inline,
// loaded from a file, or generated from the text as Markdown. An
// entirely empty messageConfig leaves the action unconfigured.
type messageConfig struct {
	Text     string `yaml:"text"`
	TextFile string `yaml:"text_file"`
	HTML     string `yaml:"html"`
	HTMLFile string `yaml:"html_file"`
	Markdown bool   `yaml:"markdown"`
}

// fileConfig is the raw configuration shape shared by the YAML file
// and the environment overrides. Values are validated and resolved
// into an appConfig before any network call.
type fileConfig struct {
	HomeserverURL      string        `yaml:"homeserver_url"`
	UserID             string        `yaml:"user_id"`
	TokenFile          string        `yaml:"token_file"`
	RulesRoom          string        `yaml:"rules_room"`
	TargetEvent        string        `yaml:"target_event"`
	ContentSpace       string        `yaml:"content_space"`
	RepostThreshold    int           `yaml:"repost_threshold"`
	PostRulesAtStartup bool          `yaml:"post_rules_at_startup"`
	Welcome            messageConfig `yaml:"welcome"`
	Tips               messageConfig `yaml:"tips"`
	Rules              messageConfig `yaml:"rules"`
}

// appConfig is the validated runtime configuration.
type appConfig struct {
	homeserverURL      string
	userID             ref.UserID
	tokenFile          string
	accessToken        string // from env; tokenFile wins when both are set
	postRulesAtStartup bool
	gate               gate.Config
}

const defaultRepostThreshold = 10

// mergeFile overlays a YAML config file onto c. Only the file's
// non-zero values replace existing ones.
func (c *fileConfig) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	mergeString(&c.HomeserverURL, file.HomeserverURL)
	mergeString(&c.UserID, file.UserID)
	mergeString(&c.TokenFile, file.TokenFile)
	mergeString(&c.RulesRoom, file.RulesRoom)
	mergeString(&c.TargetEvent, file.TargetEvent)
	mergeString(&c.ContentSpace, file.ContentSpace)
	if file.RepostThreshold != 0 {
		c.RepostThreshold = file.RepostThreshold
	}
	if file.PostRulesAtStartup {
		c.PostRulesAtStartup = true
	}
	c.Welcome.merge(file.Welcome)
	c.Tips.merge(file.Tips)
	c.Rules.merge(file.Rules)
	return nil
}

func (m *messageConfig) merge(other messageConfig) {
	mergeString(&m.Text, other.Text)
	mergeString(&m.TextFile, other.TextFile)
	mergeString(&m.HTML, other.HTML)
	mergeString(&m.HTMLFile, other.HTMLFile)
	if other.Markdown {
		m.Markdown = true
	}
}

func mergeString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// applyEnv overlays GATEKEEPER_* environment variables, which take
// precedence over flags and the config file. lookup is os.LookupEnv
// in production.
func (c *fileConfig) applyEnv(lookup func(string) (string, bool)) (accessToken string, err error) {
	envString := func(name string, target *string) {
		if value, ok := lookup(name); ok {
			*target = value
		}
	}

	envString("GATEKEEPER_HOMESERVER", &c.HomeserverURL)
	envString("GATEKEEPER_USER_ID", &c.UserID)
	envString("GATEKEEPER_TOKEN_FILE", &c.TokenFile)
	envString("GATEKEEPER_RULES_ROOM", &c.RulesRoom)
	envString("GATEKEEPER_TARGET_EVENT", &c.TargetEvent)
	envString("GATEKEEPER_CONTENT_SPACE", &c.ContentSpace)

	if value, ok := lookup("GATEKEEPER_REPOST_THRESHOLD"); ok {
		threshold, parseErr := strconv.Atoi(value)
		if parseErr != nil {
			return "", fmt.Errorf("GATEKEEPER_REPOST_THRESHOLD: %w", parseErr)
		}
		c.RepostThreshold = threshold
	}
	if value, ok := lookup("GATEKEEPER_POST_RULES"); ok {
		post, parseErr := strconv.ParseBool(value)
		if parseErr != nil {
			return "", fmt.Errorf("GATEKEEPER_POST_RULES: %w", parseErr)
		}
		c.PostRulesAtStartup = post
	}

	envString("GATEKEEPER_WELCOME_TEXT", &c.Welcome.Text)
	envString("GATEKEEPER_WELCOME_FILE", &c.Welcome.TextFile)
	envString("GATEKEEPER_TIPS_TEXT", &c.Tips.Text)
	envString("GATEKEEPER_TIPS_FILE", &c.Tips.TextFile)
	envString("GATEKEEPER_RULES_TEXT", &c.Rules.Text)
	envString("GATEKEEPER_RULES_FILE", &c.Rules.TextFile)

	token, _ := lookup("GATEKEEPER_ACCESS_TOKEN")
	return token, nil
}

// resolve validates identifiers, loads message bodies, and produces
// the runtime configuration. All failures here are fatal and happen
// before any network call.
func (c fileConfig) resolve(accessToken string) (appConfig, error) {
	if c.HomeserverURL == "" {
		return appConfig{}, fmt.Errorf("homeserver URL is required")
	}
	if c.TokenFile == "" && accessToken == "" {
		return appConfig{}, fmt.Errorf("an access token is required (token_file or GATEKEEPER_ACCESS_TOKEN)")
	}

	userID, err := ref.ParseUserID(c.UserID)
	if err != nil {
		return appConfig{}, fmt.Errorf("user_id: %w", err)
	}
	rulesRoom, err := ref.ParseRoomID(c.RulesRoom)
	if err != nil {
		return appConfig{}, fmt.Errorf("rules_room: %w", err)
	}
	targetEvent, err := ref.ParseEventID(c.TargetEvent)
	if err != nil {
		return appConfig{}, fmt.Errorf("target_event: %w", err)
	}
	contentSpace, err := ref.ParseRoomID(c.ContentSpace)
	if err != nil {
		return appConfig{}, fmt.Errorf("content_space: %w", err)
	}

	threshold := c.RepostThreshold
	if threshold == 0 {
		threshold = defaultRepostThreshold
	}
	if threshold < 0 {
		return appConfig{}, fmt.Errorf("repost_threshold must not be negative, got %d", threshold)
	}

	welcome, err := c.Welcome.load()
	if err != nil {
		return appConfig{}, fmt.Errorf("welcome message: %w", err)
	}
	tips, err := c.Tips.load()
	if err != nil {
		return appConfig{}, fmt.Errorf("tips message: %w", err)
	}
	rules, err := c.Rules.load()
	if err != nil {
		return appConfig{}, fmt.Errorf("rules message: %w", err)
	}

	return appConfig{
		homeserverURL:      c.HomeserverURL,
		userID:             userID,
		tokenFile:          c.TokenFile,
		accessToken:        accessToken,
		postRulesAtStartup: c.PostRulesAtStartup,
		gate: gate.Config{
			RulesRoom:       rulesRoom,
			TargetEvent:     targetEvent,
			ContentSpace:    contentSpace,
			BotUser:         userID,
			RepostThreshold: threshold,
			Welcome:         welcome,
			Tips:            tips,
			Rules:           rules,
		},
	}, nil
}
