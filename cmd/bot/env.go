package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"kiroku/pkg/kiroku"
)

const (
	envTrackerTarget  = "USERBOT_CHANNEL_ID"
	envTrackerEnabled = "DELETED_TRACKER_ENABLED"

	channelIDPrefix = "-100"
)

// loadDotEnv loads a .env file from the working directory when one exists.
// Variables already present in the process environment win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func applyEnvOverrides(cfg *appConfig) error {
	if cfg == nil {
		return fmt.Errorf("apply env overrides: nil config")
	}

	if raw, ok := os.LookupEnv(envTrackerTarget); ok {
		target, err := parseTrackerTarget(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envTrackerTarget, err)
		}
		cfg.tracker.target = target
	}
	if raw, ok := os.LookupEnv(envTrackerEnabled); ok && strings.TrimSpace(raw) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", envTrackerEnabled, err)
		}
		cfg.tracker.enabled = enabled
	}

	return nil
}

// parseTrackerTarget maps a configured destination to a peer.
//
// Empty and "me" select saved messages. A bare positive id and any id
// written with the -100 prefix name a channel; other negative ids are chats.
func parseTrackerTarget(raw string) (kiroku.Peer, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, "me") {
		return kiroku.Peer{}, nil
	}

	if rest, ok := strings.CutPrefix(trimmed, channelIDPrefix); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 || strings.HasPrefix(rest, "+") {
			return kiroku.Peer{}, fmt.Errorf("target %q is not a channel id", raw)
		}
		return kiroku.ChannelPeer(id), nil
	}

	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return kiroku.Peer{}, fmt.Errorf("target %q is not a numeric id", raw)
	}
	if id > 0 {
		return kiroku.ChannelPeer(id), nil
	}

	return kiroku.PeerFromMarkedID(id)
}
