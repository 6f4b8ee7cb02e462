package delivery

import (
	"encoding/json"
	"net/mail"
	"regexp"
	"strings"

	"github.com/lalith-99/courier/internal/domain"
)

// AddressType discriminates the Address variants in storage.
type AddressType string

const (
	AddressEmail  AddressType = "email"
	AddressSMS    AddressType = "sms"
	AddressPush   AddressType = "push"
	AddressCustom AddressType = "custom"
)

var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{6,19}$`)

// Address is the channel-tagged destination of a delivery. It is a
// closed tagged union: each variant carries only the fields its channel
// needs, and (de)serialization dispatches on the Type discriminant.
type Address struct {
	Type    AddressType
	channel domain.Channel

	// email
	Email string
	// sms
	Phone string
	// push
	PushUserID      string
	PushDeviceToken string
	// custom
	Custom json.RawMessage
}

// NewEmailAddress validates and builds an email destination.
func NewEmailAddress(to string) (Address, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return Address{}, domain.Invariant("email address cannot be empty")
	}
	if _, err := mail.ParseAddress(to); err != nil {
		return Address{}, domain.Invariant("email address %q is invalid", safeEmail(to))
	}
	return Address{Type: AddressEmail, channel: domain.ChannelEmail, Email: to}, nil
}

// NewSMSAddress validates and builds an E.164-ish phone destination.
func NewSMSAddress(to string) (Address, error) {
	to = strings.TrimSpace(to)
	if to == "" || !phonePattern.MatchString(to) {
		return Address{}, domain.Invariant("phone number is invalid")
	}
	return Address{Type: AddressSMS, channel: domain.ChannelSMS, Phone: to}, nil
}

// NewPushAddress builds a push destination. At least one of user id or
// device token is required so the provider can target the recipient.
func NewPushAddress(userID, deviceToken string) (Address, error) {
	userID = strings.TrimSpace(userID)
	deviceToken = strings.TrimSpace(deviceToken)
	if userID == "" && deviceToken == "" {
		return Address{}, domain.Invariant("push address requires a user id or device token")
	}
	return Address{Type: AddressPush, channel: domain.ChannelPush, PushUserID: userID, PushDeviceToken: deviceToken}, nil
}

// NewCustomAddress builds an opaque destination for a custom channel.
func NewCustomAddress(channel domain.Channel, payload json.RawMessage) (Address, error) {
	if channel.IsBuiltIn() {
		return Address{}, domain.Invariant("custom address requires a custom channel, got %q", channel)
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return Address{}, domain.Invariant("custom address payload must be valid non-empty JSON")
	}
	return Address{Type: AddressCustom, channel: channel, Custom: payload}, nil
}

// Channel returns the channel this address belongs to.
func (a Address) Channel() domain.Channel { return a.channel }

// Safe returns a PII-masked representation for logs and events:
// `a***@domain` for email, `***123` for phone numbers, and only presence
// flags for push tokens.
func (a Address) Safe() map[string]any {
	switch a.Type {
	case AddressEmail:
		return map[string]any{"type": "email", "value": safeEmail(a.Email)}
	case AddressSMS:
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, a.Phone)
		last := digits
		if len(digits) >= 3 {
			last = digits[len(digits)-3:]
		}
		return map[string]any{"type": "sms", "value": "***" + last}
	case AddressPush:
		return map[string]any{
			"type":             "push",
			"user_id":          a.PushUserID,
			"has_device_token": a.PushDeviceToken != "",
		}
	default:
		return map[string]any{"type": "custom", "channel": a.channel.String()}
	}
}

func safeEmail(addr string) string {
	local, dom, ok := strings.Cut(addr, "@")
	if !ok {
		return "***"
	}
	if local == "" {
		return "@" + dom
	}
	return local[:1] + "***@" + dom
}

type addressJSON struct {
	Type            AddressType     `json:"type"`
	Channel         string          `json:"channel"`
	Email           string          `json:"email,omitempty"`
	Phone           string          `json:"phone,omitempty"`
	PushUserID      string          `json:"push_user_id,omitempty"`
	PushDeviceToken string          `json:"push_device_token,omitempty"`
	Custom          json.RawMessage `json:"custom,omitempty"`
}

// MarshalJSON serializes the variant with its discriminant.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(addressJSON{
		Type:            a.Type,
		Channel:         a.channel.String(),
		Email:           a.Email,
		Phone:           a.Phone,
		PushUserID:      a.PushUserID,
		PushDeviceToken: a.PushDeviceToken,
		Custom:          a.Custom,
	})
}

// UnmarshalJSON dispatches on the stored discriminant and re-runs the
// variant constructor so a corrupted row cannot produce an invalid
// address in memory.
func (a *Address) UnmarshalJSON(data []byte) error {
	var raw addressJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var (
		addr Address
		err  error
	)
	switch raw.Type {
	case AddressEmail:
		addr, err = NewEmailAddress(raw.Email)
	case AddressSMS:
		addr, err = NewSMSAddress(raw.Phone)
	case AddressPush:
		addr, err = NewPushAddress(raw.PushUserID, raw.PushDeviceToken)
	case AddressCustom:
		ch, chErr := domain.ParseChannel(raw.Channel)
		if chErr != nil {
			return chErr
		}
		addr, err = NewCustomAddress(ch, raw.Custom)
	default:
		return domain.Invariant("unknown address type %q", raw.Type)
	}
	if err != nil {
		return err
	}

	*a = addr
	return nil
}
