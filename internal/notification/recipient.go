// Package notification holds the Notification aggregate: the logical
// send request that fans out into per-channel deliveries.
package notification

import (
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/lalith-99/courier/internal/domain"
)

var (
	phonePattern  = regexp.MustCompile(`^\+?[1-9]\d{6,19}$`)
	localePattern = regexp.MustCompile(`^[a-z]{2,3}([-_][A-Z]{2})?$`)
)

// PushTarget identifies where push notifications go: a user id (the
// push provider resolves devices) and/or a concrete device token.
type PushTarget struct {
	UserID      string `json:"user_id,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
}

// IsZero reports whether the target carries no destination at all.
func (t PushTarget) IsZero() bool {
	return strings.TrimSpace(t.UserID) == "" && strings.TrimSpace(t.DeviceToken) == ""
}

// Recipient is who a notification goes to. Each field is optional, but
// every requested channel must find the field it needs (see Supports).
type Recipient struct {
	Email      string      `json:"email,omitempty"`
	Phone      string      `json:"phone,omitempty"`
	PushTarget *PushTarget `json:"push_target,omitempty"`
	Locale     string      `json:"locale,omitempty"`
	TimeZone   string      `json:"time_zone,omitempty"`
}

// NewRecipient validates the populated fields and builds a Recipient.
func NewRecipient(email, phone string, push *PushTarget, locale, timeZone string) (Recipient, error) {
	email = strings.TrimSpace(email)
	phone = strings.TrimSpace(phone)

	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return Recipient{}, domain.Invariant("recipient email is invalid")
		}
	}
	if phone != "" && !phonePattern.MatchString(phone) {
		return Recipient{}, domain.Invariant("recipient phone number is invalid")
	}
	if push != nil && push.IsZero() {
		return Recipient{}, domain.Invariant("recipient push target requires a user id or device token")
	}
	if locale != "" && !localePattern.MatchString(locale) {
		return Recipient{}, domain.Invariant("recipient locale %q is invalid", locale)
	}
	if timeZone != "" {
		if _, err := time.LoadLocation(timeZone); err != nil {
			return Recipient{}, domain.Invariant("recipient time zone %q is invalid", timeZone)
		}
	}

	return Recipient{Email: email, Phone: phone, PushTarget: push, Locale: locale, TimeZone: timeZone}, nil
}

// Supports checks that the recipient carries the addressing field each
// requested built-in channel needs. Custom channels resolve their
// addresses from per-channel overrides, not from the recipient.
func (r Recipient) Supports(channels ChannelSet) error {
	for _, ch := range channels {
		switch {
		case ch.IsEmail() && r.Email == "":
			return domain.Invariant("recipient email is required for the email channel")
		case ch.IsSMS() && r.Phone == "":
			return domain.Invariant("recipient phone number is required for the sms channel")
		case ch.IsPush() && (r.PushTarget == nil || r.PushTarget.IsZero()):
			return domain.Invariant("recipient push target is required for the push channel")
		}
	}
	return nil
}

// ChannelSet is a non-empty, deduplicated, order-preserving set of
// requested channels.
type ChannelSet []domain.Channel

// NewChannelSet normalizes, deduplicates, and validates channel names.
func NewChannelSet(names ...string) (ChannelSet, error) {
	if len(names) == 0 {
		return nil, domain.Invariant("at least one channel is required")
	}

	seen := make(map[domain.Channel]struct{}, len(names))
	set := make(ChannelSet, 0, len(names))
	for _, name := range names {
		ch, err := domain.ParseChannel(name)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		set = append(set, ch)
	}
	return set, nil
}

// Contains reports set membership.
func (s ChannelSet) Contains(ch domain.Channel) bool {
	for _, c := range s {
		if c == ch {
			return true
		}
	}
	return false
}

// Names returns the channel names in request order.
func (s ChannelSet) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.String()
	}
	return out
}
