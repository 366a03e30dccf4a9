package events

import "time"

// Record is the normalized in-flight form of one platform event, built by the
// dispatcher and rendered by the notifier.
type Record struct {
	Kind      Kind      `json:"kind"`
	GuildID   string    `json:"guild_id"`
	ActorID   string    `json:"actor_id,omitempty"`
	ActorName string    `json:"actor_name,omitempty"`
	AvatarURL string    `json:"-"`
	ChannelID string    `json:"channel_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
	Payload   Payload   `json:"payload,omitempty"`
}

// Payload is the kind-specific part of a Record.
type Payload interface {
	payload()
}

type MessagePayload struct {
	Content     string       `json:"content,omitempty"`
	Before      string       `json:"before,omitempty"`
	After       string       `json:"after,omitempty"`
	Cached      bool         `json:"cached"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// LengthDelta is the change in content length for edits, in runes.
func (p MessagePayload) LengthDelta() int {
	return len([]rune(p.After)) - len([]rune(p.Before))
}

type AttachmentPayload struct {
	Attachments []Attachment `json:"attachments"`
}

type Attachment struct {
	ID           string     `json:"id"`
	Filename     string     `json:"filename"`
	URL          string     `json:"url"`
	ProxyURL     string     `json:"proxy_url,omitempty"`
	Size         int64      `json:"size"`
	ContentType  string     `json:"content_type,omitempty"`
	Width        int        `json:"width,omitempty"`
	Height       int        `json:"height,omitempty"`
	Category     string     `json:"category,omitempty"`
	URLExpiresAt *time.Time `json:"url_expires_at,omitempty"`
}

type MemberPayload struct {
	UserID         string    `json:"user_id"`
	Username       string    `json:"username,omitempty"`
	AccountCreated time.Time `json:"account_created"`
	NewAccount     bool      `json:"new_account,omitempty"`
	Roles          []string  `json:"roles,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ModeratorID    string    `json:"moderator_id,omitempty"`
	MemberCount    int       `json:"member_count,omitempty"`
}

type VoicePayload struct {
	ChannelID     string        `json:"channel_id,omitempty"`
	FromChannelID string        `json:"from_channel_id,omitempty"`
	On            bool          `json:"on"`
	SessionID     string        `json:"session_id,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	MoveCount     int           `json:"move_count,omitempty"`
	EndReason     string        `json:"end_reason,omitempty"`
	Flags         []string      `json:"flags,omitempty"`
}

func (MessagePayload) payload()    {}
func (AttachmentPayload) payload() {}
func (MemberPayload) payload()     {}
func (VoicePayload) payload()      {}
