// Package voice tracks voice sessions per (guild, user).
//
// Each key is either absent or present with exactly one open session. The
// persisted open session is the source of truth; the tracker serializes
// transitions per key so interleaved join, move and leave updates for one
// user can never open a second session.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guildlog/internal/events"
	"guildlog/internal/storage"
)

var (
	// ErrDuplicateJoin is logged when a join arrives for a user who already has an open session.
	ErrDuplicateJoin = errors.New("voice: join while a session is open")
	// ErrOutOfOrder is logged when a leave arrives for a user with no open session.
	ErrOutOfOrder = errors.New("voice: leave without an open session")
)

const (
	FlagClockAnomaly     = "clock_anomaly"
	FlagExceedsPlausible = "exceeds_plausible"
)

const (
	ReasonLeave        = "leave"
	ReasonKicked       = "kicked"
	ReasonDisconnected = "disconnected"
	ReasonBotRestart   = "bot_restart"
)

type SessionStore interface {
	OpenVoiceSession(ctx context.Context, session storage.VoiceSession) error
	GetOpenVoiceSession(ctx context.Context, guildID, userID string) (storage.VoiceSession, bool, error)
	MoveVoiceSession(ctx context.Context, id, channelID string) error
	CloseVoiceSession(ctx context.Context, id string, endedAt time.Time, reason string, flags []string) (bool, error)
	ListOpenVoiceSessions(ctx context.Context, guildID string) ([]storage.VoiceSession, error)
	InsertVoiceEvent(ctx context.Context, event storage.VoiceEvent) error
}

// State is one side of a voice state update. An empty ChannelID means the
// user is not connected.
type State struct {
	ChannelID string
	Muted     bool
	Deafened  bool
	Streaming bool
	Video     bool
}

type Update struct {
	GuildID string
	UserID  string
	// Before is nil when the previous state is unknown (not cached).
	Before *State
	After  State
	At     time.Time
	// LeaveReason overrides ReasonLeave when the caller knows more, e.g. ReasonKicked.
	LeaveReason string
}

// Transition describes one recorded voice event.
type Transition struct {
	Kind          events.Kind
	GuildID       string
	UserID        string
	ChannelID     string
	FromChannelID string
	// On is the new value for mute, deafen, stream and video toggles.
	On        bool
	SessionID string
	StartedAt time.Time
	Duration  time.Duration
	MoveCount int
	EndReason string
	Flags     []string
	At        time.Time
}

type Options struct {
	// MaxSession is the duration above which a closed session is flagged for review.
	MaxSession time.Duration
	// StaleAfter is the minimum age before Sweep closes a session whose user
	// is no longer in voice.
	StaleAfter time.Duration
}

type Tracker struct {
	store      SessionStore
	logger     *zap.Logger
	slots      *slotTable
	maxSession time.Duration
	staleAfter time.Duration
	now        func() time.Time
	newID      func() string
}

func NewTracker(store SessionStore, logger *zap.Logger, opts Options) *Tracker {
	maxSession := opts.MaxSession
	if maxSession <= 0 {
		maxSession = 72 * time.Hour
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 6 * time.Hour
	}
	return &Tracker{
		store:      store,
		logger:     logger,
		slots:      newSlotTable(),
		maxSession: maxSession,
		staleAfter: staleAfter,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Apply runs one voice state update through the state machine and returns the
// transitions it recorded, in order.
func (t *Tracker) Apply(ctx context.Context, u Update) ([]Transition, error) {
	if u.GuildID == "" || u.UserID == "" {
		return nil, nil
	}
	if u.At.IsZero() {
		u.At = t.now()
	}

	unlock := t.slots.lock(key{guildID: u.GuildID, userID: u.UserID})
	defer unlock()

	open, present, err := t.store.GetOpenVoiceSession(ctx, u.GuildID, u.UserID)
	if err != nil {
		return nil, fmt.Errorf("load open session: %w", err)
	}

	switch {
	case u.After.ChannelID == "" && !present:
		t.logger.Debug("voice leave ignored", zap.String("guild_id", u.GuildID), zap.String("user_id", u.UserID), zap.Error(ErrOutOfOrder))
		return nil, nil

	case u.After.ChannelID == "":
		reason := u.LeaveReason
		if reason == "" {
			reason = ReasonLeave
		}
		tr, err := t.close(ctx, open, u.At, reason)
		if err != nil {
			return nil, err
		}
		return []Transition{tr}, nil

	case !present:
		tr, err := t.open(ctx, u.GuildID, u.UserID, u.After.ChannelID, u.At)
		if err != nil {
			return nil, err
		}
		return []Transition{tr}, nil

	case open.CurrentChannelID != u.After.ChannelID:
		tr, err := t.move(ctx, open, u.After.ChannelID, u.At)
		if err != nil {
			return nil, err
		}
		return []Transition{tr}, nil
	}

	// Same channel as the open session: either a redelivered join or a flag toggle.
	if u.Before == nil || u.Before.ChannelID == "" {
		t.logger.Debug("voice join ignored", zap.String("guild_id", u.GuildID), zap.String("user_id", u.UserID), zap.String("session_id", open.ID), zap.Error(ErrDuplicateJoin))
		return nil, nil
	}
	if u.Before.ChannelID != u.After.ChannelID {
		return nil, nil
	}
	return t.toggles(ctx, open, *u.Before, u.After, u.At)
}

// Reconcile aligns open sessions of one guild with the voice states the
// platform reports when the guild becomes available. present maps user IDs to
// their current voice channel.
func (t *Tracker) Reconcile(ctx context.Context, guildID string, present map[string]string) ([]Transition, error) {
	now := t.now()
	sessions, err := t.store.ListOpenVoiceSessions(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}

	var out []Transition
	seen := make(map[string]struct{}, len(sessions))
	for _, session := range sessions {
		seen[session.UserID] = struct{}{}
		channelID := present[session.UserID]
		var tr Transition
		var err error
		switch {
		case channelID == "":
			tr, err = t.locked(ctx, session, func(s storage.VoiceSession) (Transition, error) {
				return t.close(ctx, s, now, ReasonDisconnected)
			})
		case channelID != session.CurrentChannelID:
			tr, err = t.locked(ctx, session, func(s storage.VoiceSession) (Transition, error) {
				return t.move(ctx, s, channelID, now)
			})
		default:
			continue
		}
		if err != nil {
			return out, err
		}
		if tr.Kind != "" {
			out = append(out, tr)
		}
	}

	for userID, channelID := range present {
		if _, ok := seen[userID]; ok || channelID == "" {
			continue
		}
		transitions, err := t.Apply(ctx, Update{GuildID: guildID, UserID: userID, After: State{ChannelID: channelID}, At: now})
		if err != nil {
			return out, err
		}
		out = append(out, transitions...)
	}
	return out, nil
}

// Sweep closes open sessions older than the stale threshold whose user no
// longer appears in present. It catches departures missed while the gateway
// was resuming, when no GuildCreate follows.
func (t *Tracker) Sweep(ctx context.Context, guildID string, present map[string]string) ([]Transition, error) {
	now := t.now()
	sessions, err := t.store.ListOpenVoiceSessions(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}

	var out []Transition
	for _, session := range sessions {
		if present[session.UserID] != "" || now.Sub(session.StartedAt) < t.staleAfter {
			continue
		}
		tr, err := t.locked(ctx, session, func(s storage.VoiceSession) (Transition, error) {
			return t.close(ctx, s, now, ReasonDisconnected)
		})
		if err != nil {
			return out, err
		}
		if tr.Kind != "" {
			out = append(out, tr)
		}
	}
	if len(out) > 0 {
		t.logger.Info("closed stale voice sessions", zap.String("guild_id", guildID), zap.Int("count", len(out)))
	}
	return out, nil
}

// Recover closes every session left open by a previous process with
// ReasonBotRestart. The end time is lastKnownGood, or startedAt when the
// previous process never recorded one.
func (t *Tracker) Recover(ctx context.Context, lastKnownGood, startedAt time.Time) (int, error) {
	end := lastKnownGood
	if end.IsZero() {
		end = startedAt
	}
	sessions, err := t.store.ListOpenVoiceSessions(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list open sessions: %w", err)
	}

	closed := 0
	for _, session := range sessions {
		tr, err := t.locked(ctx, session, func(s storage.VoiceSession) (Transition, error) {
			return t.close(ctx, s, end, ReasonBotRestart)
		})
		if err != nil {
			return closed, err
		}
		if tr.Kind != "" {
			closed++
		}
	}
	if closed > 0 {
		t.logger.Info("closed orphaned voice sessions", zap.Int("count", closed), zap.Time("ended_at", end))
	}
	return closed, nil
}

// locked re-reads the open session under its key lock and runs fn if it is
// still the same session.
func (t *Tracker) locked(ctx context.Context, session storage.VoiceSession, fn func(storage.VoiceSession) (Transition, error)) (Transition, error) {
	unlock := t.slots.lock(key{guildID: session.GuildID, userID: session.UserID})
	defer unlock()

	current, ok, err := t.store.GetOpenVoiceSession(ctx, session.GuildID, session.UserID)
	if err != nil {
		return Transition{}, err
	}
	if !ok || current.ID != session.ID {
		return Transition{}, nil
	}
	return fn(current)
}

func (t *Tracker) open(ctx context.Context, guildID, userID, channelID string, at time.Time) (Transition, error) {
	session := storage.VoiceSession{
		ID:        t.newID(),
		GuildID:   guildID,
		UserID:    userID,
		ChannelID: channelID,
		StartedAt: at,
	}
	if err := t.store.OpenVoiceSession(ctx, session); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			t.logger.Debug("voice join ignored", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(ErrDuplicateJoin))
			return Transition{}, nil
		}
		return Transition{}, fmt.Errorf("open session: %w", err)
	}

	tr := Transition{
		Kind:      events.VoiceJoin,
		GuildID:   guildID,
		UserID:    userID,
		ChannelID: channelID,
		SessionID: session.ID,
		StartedAt: at,
		At:        at,
	}
	t.record(ctx, tr, map[string]any{"session_id": session.ID})
	return tr, nil
}

func (t *Tracker) move(ctx context.Context, session storage.VoiceSession, channelID string, at time.Time) (Transition, error) {
	if err := t.store.MoveVoiceSession(ctx, session.ID, channelID); err != nil {
		return Transition{}, fmt.Errorf("move session: %w", err)
	}
	tr := Transition{
		Kind:          events.VoiceMove,
		GuildID:       session.GuildID,
		UserID:        session.UserID,
		ChannelID:     channelID,
		FromChannelID: session.CurrentChannelID,
		SessionID:     session.ID,
		StartedAt:     session.StartedAt,
		MoveCount:     session.MoveCount + 1,
		At:            at,
	}
	t.record(ctx, tr, map[string]any{"from": session.CurrentChannelID, "to": channelID, "session_id": session.ID})
	return tr, nil
}

func (t *Tracker) close(ctx context.Context, session storage.VoiceSession, at time.Time, reason string) (Transition, error) {
	end, duration, flags := t.measure(session.StartedAt, at)
	closed, err := t.store.CloseVoiceSession(ctx, session.ID, end, reason, flags)
	if err != nil {
		return Transition{}, fmt.Errorf("close session: %w", err)
	}
	if !closed {
		return Transition{}, nil
	}
	if len(flags) > 0 {
		t.logger.Warn("voice session flagged", zap.String("session_id", session.ID), zap.Strings("flags", flags), zap.Duration("duration", duration))
	}

	tr := Transition{
		Kind:      events.VoiceLeave,
		GuildID:   session.GuildID,
		UserID:    session.UserID,
		ChannelID: session.CurrentChannelID,
		SessionID: session.ID,
		StartedAt: session.StartedAt,
		Duration:  duration,
		MoveCount: session.MoveCount,
		EndReason: reason,
		Flags:     flags,
		At:        end,
	}
	t.record(ctx, tr, map[string]any{
		"session_id":       session.ID,
		"reason":           reason,
		"duration_seconds": int64(duration / time.Second),
		"moves":            session.MoveCount,
	})
	return tr, nil
}

// measure clamps the end time so the derived duration is never negative.
// Non-positive durations are flagged.
func (t *Tracker) measure(start, end time.Time) (time.Time, time.Duration, []string) {
	var flags []string
	if !end.After(start) {
		flags = append(flags, FlagClockAnomaly)
		end = start
	}
	duration := end.Sub(start)
	if duration > t.maxSession {
		flags = append(flags, FlagExceedsPlausible)
	}
	return end, duration, flags
}

func (t *Tracker) toggles(ctx context.Context, session storage.VoiceSession, before, after State, at time.Time) ([]Transition, error) {
	changes := []struct {
		kind   events.Kind
		before bool
		after  bool
	}{
		{events.VoiceMute, before.Muted, after.Muted},
		{events.VoiceDeafen, before.Deafened, after.Deafened},
		{events.VoiceStream, before.Streaming, after.Streaming},
		{events.VoiceVideo, before.Video, after.Video},
	}

	var out []Transition
	for _, change := range changes {
		if change.before == change.after {
			continue
		}
		tr := Transition{
			Kind:      change.kind,
			GuildID:   session.GuildID,
			UserID:    session.UserID,
			ChannelID: after.ChannelID,
			On:        change.after,
			SessionID: session.ID,
			StartedAt: session.StartedAt,
			At:        at,
		}
		t.record(ctx, tr, map[string]any{"on": change.after, "session_id": session.ID})
		out = append(out, tr)
	}
	return out, nil
}

// record appends the voice event. Failures are logged; the session row is
// already consistent and the notification still goes out.
func (t *Tracker) record(ctx context.Context, tr Transition, detail map[string]any) {
	payload, err := json.Marshal(detail)
	if err != nil {
		payload = []byte("{}")
	}
	err = t.store.InsertVoiceEvent(ctx, storage.VoiceEvent{
		GuildID:   tr.GuildID,
		UserID:    tr.UserID,
		ChannelID: tr.ChannelID,
		Kind:      string(tr.Kind),
		Detail:    string(payload),
		CreatedAt: tr.At,
	})
	if err != nil {
		t.logger.Error("record voice event", zap.String("guild_id", tr.GuildID), zap.String("kind", string(tr.Kind)), zap.Error(err))
	}
}
