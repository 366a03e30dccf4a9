// Package events defines the closed set of loggable event kinds shared by the
// configuration store, the channel resolver and the dispatcher.
package events

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownKind wraps every parse failure for a name that is neither a kind nor a group.
var ErrUnknownKind = errors.New("unknown event type")

// Kind identifies one loggable event type. The zero value is invalid.
type Kind string

const (
	MessageDelete Kind = "message_delete"
	MessageEdit   Kind = "message_edit"
	ImageSend     Kind = "image_send"
	ImageDelete   Kind = "image_delete"
	MemberJoin    Kind = "member_join"
	MemberLeave   Kind = "member_leave"
	MemberBan     Kind = "member_ban"
	MemberUnban   Kind = "member_unban"
	VoiceJoin     Kind = "voice_join"
	VoiceLeave    Kind = "voice_leave"
	VoiceMove     Kind = "voice_move"
	VoiceMute     Kind = "voice_mute"
	VoiceDeafen   Kind = "voice_deafen"
	VoiceStream   Kind = "voice_stream"
	VoiceVideo    Kind = "voice_video"
)

// Group is a named set of related kinds that admins can toggle or route together.
type Group string

const (
	GroupMessage Group = "message"
	GroupFile    Group = "file"
	GroupMember  Group = "member"
	GroupVoice   Group = "voice"
)

var all = []Kind{
	MessageDelete, MessageEdit,
	ImageSend, ImageDelete,
	MemberJoin, MemberLeave, MemberBan, MemberUnban,
	VoiceJoin, VoiceLeave, VoiceMove, VoiceMute, VoiceDeafen, VoiceStream, VoiceVideo,
}

var labels = map[Kind]string{
	MessageDelete: "Message Deletions",
	MessageEdit:   "Message Edits",
	ImageSend:     "Image/File Uploads",
	ImageDelete:   "Image/File Deletions",
	MemberJoin:    "Member Joins",
	MemberLeave:   "Member Leaves",
	MemberBan:     "Member Bans",
	MemberUnban:   "Member Unbans",
	VoiceJoin:     "Voice Channel Joins",
	VoiceLeave:    "Voice Channel Leaves",
	VoiceMove:     "Voice Channel Moves",
	VoiceMute:     "Voice Mute/Unmute",
	VoiceDeafen:   "Voice Deafen/Undeafen",
	VoiceStream:   "Voice Streaming",
	VoiceVideo:    "Voice Video/Camera",
}

var groups = map[Group][]Kind{
	GroupMessage: {MessageDelete, MessageEdit},
	GroupFile:    {ImageSend, ImageDelete},
	GroupMember:  {MemberJoin, MemberLeave, MemberBan, MemberUnban},
	GroupVoice:   {VoiceJoin, VoiceLeave, VoiceMove, VoiceMute, VoiceDeafen, VoiceStream, VoiceVideo},
}

// All returns every kind in display order.
func All() []Kind {
	out := make([]Kind, len(all))
	copy(out, all)
	return out
}

// Groups returns the group names in display order.
func Groups() []Group {
	return []Group{GroupMessage, GroupFile, GroupMember, GroupVoice}
}

// Members returns the kinds belonging to g, or nil for an unknown group.
func (g Group) Members() []Kind {
	kinds := groups[g]
	if kinds == nil {
		return nil
	}
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

func (k Kind) Valid() bool {
	_, ok := labels[k]
	return ok
}

func (k Kind) String() string { return string(k) }

// Label is the human readable name used in embeds and admin replies.
func (k Kind) Label() string {
	if label, ok := labels[k]; ok {
		return label
	}
	return string(k)
}

// Group returns the group k belongs to.
func (k Kind) Group() Group {
	for _, g := range Groups() {
		for _, member := range groups[g] {
			if member == k {
				return g
			}
		}
	}
	return ""
}

// IsVoice reports whether k is produced by voice state updates.
func (k Kind) IsVoice() bool {
	return k.Group() == GroupVoice
}

// Parse converts a stored or user-supplied name into a Kind.
func Parse(value string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	if !kind.Valid() {
		return "", fmt.Errorf("%w %q", ErrUnknownKind, value)
	}
	return kind, nil
}

// ParseList accepts a comma separated list of kinds, group names and "all", and
// returns the de-duplicated kinds in display order.
func ParseList(value string) ([]Kind, error) {
	seen := make(map[Kind]struct{})
	for _, part := range strings.Split(value, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if name == "all" {
			for _, kind := range all {
				seen[kind] = struct{}{}
			}
			continue
		}
		if members := Group(name).Members(); members != nil {
			for _, kind := range members {
				seen[kind] = struct{}{}
			}
			continue
		}
		kind, err := Parse(name)
		if err != nil {
			return nil, err
		}
		seen[kind] = struct{}{}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("no event types in %q", value)
	}
	return Sorted(seen), nil
}

// Sorted returns the members of set in display order.
func Sorted(set map[Kind]struct{}) []Kind {
	out := make([]Kind, 0, len(set))
	for kind := range set {
		out = append(out, kind)
	}
	order := make(map[Kind]int, len(all))
	for i, kind := range all {
		order[kind] = i
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}
