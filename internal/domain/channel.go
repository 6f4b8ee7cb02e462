package domain

import "strings"

// Channel identifies a delivery channel. The built-in channels have
// dedicated senders and addressing rules; any other non-empty name is a
// custom channel whose address and content are opaque JSON payloads.
// Equality is by normalized (lowercased, trimmed) name.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// ParseChannel normalizes a channel name. An empty name is an
// invariant violation.
func ParseChannel(name string) (Channel, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", Invariant("channel name cannot be empty")
	}
	return Channel(name), nil
}

func (c Channel) String() string { return string(c) }

// IsBuiltIn reports whether the channel has first-class support
// (validated addressing, content rules, a dedicated sender).
func (c Channel) IsBuiltIn() bool {
	return c == ChannelEmail || c == ChannelSMS || c == ChannelPush
}

func (c Channel) IsEmail() bool { return c == ChannelEmail }
func (c Channel) IsSMS() bool   { return c == ChannelSMS }
func (c Channel) IsPush() bool  { return c == ChannelPush }
