// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/jordankrueger/matrix-gatekeeper/gate"
	"github.com/jordankrueger/matrix-gatekeeper/lib/clock"
	"github.com/jordankrueger/matrix-gatekeeper/lib/secret"
	"github.com/jordankrueger/matrix-gatekeeper/lib/service"
	"github.com/jordankrueger/matrix-gatekeeper/messaging"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("gatekeeper failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	var (
		configPath      string
		envFile         string
		homeserverURL   string
		userID          string
		tokenFile       string
		rulesRoom       string
		targetEvent     string
		contentSpace    string
		repostThreshold int
		postRules       bool
	)
	pflag.StringVar(&configPath, "config", "", "path to a YAML config file")
	pflag.StringVar(&envFile, "env-file", "", "path to a .env file loaded before config resolution")
	pflag.StringVar(&homeserverURL, "homeserver", "", "Matrix homeserver base URL")
	pflag.StringVar(&userID, "user", "", "the bot's Matrix user ID")
	pflag.StringVar(&tokenFile, "token-file", "", "file containing the access token (\"-\" reads stdin)")
	pflag.StringVar(&rulesRoom, "rules-room", "", "room ID of the rules room")
	pflag.StringVar(&targetEvent, "target-event", "", "event ID of the rules message reactions gate on")
	pflag.StringVar(&contentSpace, "content-space", "", "room ID of the invite-only content space")
	pflag.IntVar(&repostThreshold, "repost-threshold", 0, "repost the rules message every N joins (default 10)")
	pflag.BoolVar(&postRules, "post-rules", false, "post a fresh rules message at startup")
	pflag.Parse()

	// A missing explicit .env file is a config error; a missing
	// default one is not.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading env file: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading .env: %w", err)
	}

	raw := fileConfig{
		HomeserverURL:      homeserverURL,
		UserID:             userID,
		TokenFile:          tokenFile,
		RulesRoom:          rulesRoom,
		TargetEvent:        targetEvent,
		ContentSpace:       contentSpace,
		RepostThreshold:    repostThreshold,
		PostRulesAtStartup: postRules,
	}
	if configPath != "" {
		if err := raw.mergeFile(configPath); err != nil {
			return err
		}
	}
	accessToken, err := raw.applyEnv(os.LookupEnv)
	if err != nil {
		return err
	}
	config, err := raw.resolve(accessToken)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	token, err := loadToken(config)
	if err != nil {
		return err
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: config.homeserverURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	session, err := client.SessionFromToken(config.userID, token)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := validateSession(ctx, session, config, logger); err != nil {
		return err
	}

	ledger := gate.NewMemoryLedger()
	dispatcher := gate.NewDispatcher(session, logger)
	keeper := gate.NewKeeper(config.gate, ledger, dispatcher, logger)
	scanner := gate.NewScanner(session, ledger, dispatcher, config.gate, logger)

	syncFilter := buildSyncFilter()
	sinceToken, initial, err := initialSyncWithRetry(ctx, session, syncFilter, logger)
	if err != nil {
		return err
	}

	bot := &app{
		session:   session,
		keeper:    keeper,
		rulesRoom: config.gate.RulesRoom,
		logger:    logger,
	}

	// Accept any invites that were pending before startup.
	if len(initial.Rooms.Invite) > 0 {
		service.AcceptInvites(ctx, session, initial.Rooms.Invite, logger)
	}

	scanner.Run(ctx)
	logger.Info("reconciliation complete",
		"known_members", ledger.Count(gate.SetKnownMembers),
		"invited", ledger.Count(gate.SetInvited),
		"welcomed", ledger.Count(gate.SetWelcomed),
		"tipped", ledger.Count(gate.SetTipped),
	)

	if config.postRulesAtStartup {
		keeper.PostRules(ctx)
	}

	logger.Info("gatekeeper running",
		"user_id", config.userID,
		"rules_room", config.gate.RulesRoom,
		"content_space", config.gate.ContentSpace,
		"repost_threshold", config.gate.RepostThreshold,
	)

	return service.RunSyncLoop(ctx, session, service.SyncConfig{
		Filter: syncFilter,
	}, sinceToken, bot.handleSync, clock.Real(), logger)
}

// loadToken reads the access token into locked memory. A token file
// takes precedence over the GATEKEEPER_ACCESS_TOKEN environment value.
func loadToken(config appConfig) (*secret.Buffer, error) {
	if config.tokenFile != "" {
		token, err := secret.ReadFromPath(config.tokenFile)
		if err != nil {
			return nil, fmt.Errorf("reading access token: %w", err)
		}
		return token, nil
	}
	token, err := secret.NewFromString(config.accessToken)
	if err != nil {
		return nil, fmt.Errorf("protecting access token: %w", err)
	}
	return token, nil
}

// validateSession checks the token against /whoami, retrying transient
// failures. A token the homeserver rejects outright is fatal without
// retry; an unreachable homeserver gets exponential backoff before the
// process gives up.
func validateSession(ctx context.Context, session *messaging.DirectSession, config appConfig, logger *slog.Logger) error {
	err := retry.Do(
		func() error {
			actual, err := session.WhoAmI(ctx)
			if err != nil {
				return err
			}
			if actual != config.userID {
				return retry.Unrecoverable(fmt.Errorf(
					"token belongs to %s, configured user is %s", actual, config.userID))
			}
			return nil
		},
		retry.Attempts(10),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.Context(ctx),
		retry.OnRetry(func(attempt uint, err error) {
			logger.Warn("token validation failed, retrying", "attempt", attempt, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken)
		}),
	)
	if err != nil {
		return fmt.Errorf("validating session: %w", err)
	}
	return nil
}

// initialSyncWithRetry performs the startup full-state sync with
// backoff. Startup is the one place transport calls are retried — live
// actions never are.
func initialSyncWithRetry(ctx context.Context, session messaging.Session, filter string, logger *slog.Logger) (string, *messaging.SyncResponse, error) {
	var (
		sinceToken string
		response   *messaging.SyncResponse
	)
	err := retry.Do(
		func() error {
			var err error
			sinceToken, response, err = service.InitialSync(ctx, session, filter)
			return err
		},
		retry.Attempts(10),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.Context(ctx),
		retry.OnRetry(func(attempt uint, err error) {
			logger.Warn("initial sync failed, retrying", "attempt", attempt, "error", err)
		}),
	)
	if err != nil {
		return "", nil, fmt.Errorf("initial sync: %w", err)
	}
	return sinceToken, response, nil
}
