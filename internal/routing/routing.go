// Package routing resolves the destination channel for a guild event.
//
// A per-event mapping always wins over the guild fallback channel. Resolution
// never asks the platform whether a channel exists; that is discovered at
// delivery time by the notifier.
package routing

import (
	"context"
	"errors"
	"fmt"

	"guildlog/internal/events"
	"guildlog/internal/guildconfig"
)

// ErrNoDestination means the event has nowhere to go. Callers drop the event silently.
var ErrNoDestination = errors.New("routing: no destination")

type Source string

const (
	SourceMapping  Source = "mapping"
	SourceFallback Source = "fallback"
)

type Destination struct {
	ChannelID string
	Source    Source
}

// ConfigSource is the read side of the configuration store.
type ConfigSource interface {
	GetConfig(ctx context.Context, guildID string) (guildconfig.Config, bool, error)
	IsLoggingEnabled(ctx context.Context, guildID string) (bool, error)
	GetChannelFor(ctx context.Context, guildID string, kind events.Kind) (string, bool, error)
}

type Resolver struct {
	source ConfigSource
}

func NewResolver(source ConfigSource) *Resolver {
	return &Resolver{source: source}
}

func (r *Resolver) Resolve(ctx context.Context, guildID string, kind events.Kind) (Destination, error) {
	enabled, err := r.source.IsLoggingEnabled(ctx, guildID)
	if err != nil {
		return Destination{}, fmt.Errorf("logging flag: %w", err)
	}
	if !enabled {
		return Destination{}, ErrNoDestination
	}

	channelID, ok, err := r.source.GetChannelFor(ctx, guildID, kind)
	if err != nil {
		return Destination{}, fmt.Errorf("event mapping: %w", err)
	}
	if ok {
		return Destination{ChannelID: channelID, Source: SourceMapping}, nil
	}

	cfg, exists, err := r.source.GetConfig(ctx, guildID)
	if err != nil {
		return Destination{}, fmt.Errorf("guild config: %w", err)
	}
	if !exists || cfg.LogChannelID == "" {
		return Destination{}, ErrNoDestination
	}
	return Destination{ChannelID: cfg.LogChannelID, Source: SourceFallback}, nil
}

// Step is one line of a resolution trace.
type Step struct {
	Check  string `json:"check"`
	Result string `json:"result"`
}

type Explanation struct {
	Kind        events.Kind `json:"kind"`
	Steps       []Step      `json:"steps"`
	ChannelID   string      `json:"channel_id,omitempty"`
	Source      Source      `json:"source,omitempty"`
	Routable    bool        `json:"routable"`
	FailureText string      `json:"failure,omitempty"`
}

// Explain walks the same path as Resolve and records each decision. It is
// meant for admin feedback, not for the hot path.
func (r *Resolver) Explain(ctx context.Context, guildID string, kind events.Kind) (Explanation, error) {
	out := Explanation{Kind: kind}

	enabled, err := r.source.IsLoggingEnabled(ctx, guildID)
	if err != nil {
		return out, err
	}
	if !enabled {
		out.Steps = append(out.Steps, Step{Check: "logging", Result: "disabled"})
		out.FailureText = "logging is disabled"
		return out, nil
	}
	out.Steps = append(out.Steps, Step{Check: "logging", Result: "enabled"})

	channelID, ok, err := r.source.GetChannelFor(ctx, guildID, kind)
	if err != nil {
		return out, err
	}
	if ok {
		out.Steps = append(out.Steps, Step{Check: "mapping", Result: channelID})
		out.ChannelID = channelID
		out.Source = SourceMapping
		out.Routable = true
		return out, nil
	}
	out.Steps = append(out.Steps, Step{Check: "mapping", Result: "none"})

	cfg, _, err := r.source.GetConfig(ctx, guildID)
	if err != nil {
		return out, err
	}
	if cfg.LogChannelID == "" {
		out.Steps = append(out.Steps, Step{Check: "fallback", Result: "none"})
		out.FailureText = "no channel configured"
		return out, nil
	}
	out.Steps = append(out.Steps, Step{Check: "fallback", Result: cfg.LogChannelID})
	out.ChannelID = cfg.LogChannelID
	out.Source = SourceFallback
	out.Routable = true
	return out, nil
}
