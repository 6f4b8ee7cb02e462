package delivery

import (
	"encoding/json"

	"github.com/lalith-99/courier/internal/domain"
)

// ContentKind discriminates the DeliveryContent variants in storage.
type ContentKind string

const (
	ContentSnapshot    ContentKind = "snapshot"
	ContentTemplateRef ContentKind = "template_ref"
	ContentCustom      ContentKind = "custom"
)

// TemplateRef aliases the shared template reference type.
type TemplateRef = domain.TemplateRef

// Content is what a delivery will actually send: a rendered snapshot,
// a template reference with variables, or an opaque custom payload.
// Like Address it is a closed tagged union keyed by Kind.
type Content struct {
	Kind    ContentKind
	channel domain.Channel

	// snapshot / custom
	Payload json.RawMessage
	// template_ref
	Template  TemplateRef
	Variables map[string]any
}

// NewSnapshotContent builds content frozen at creation time.
// The payload must be non-empty JSON.
func NewSnapshotContent(channel domain.Channel, payload json.RawMessage) (Content, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return Content{}, domain.Invariant("snapshot content payload must be valid non-empty JSON")
	}
	return Content{Kind: ContentSnapshot, channel: channel, Payload: payload}, nil
}

// NewTemplateRefContent builds late-bound content rendered at dispatch.
func NewTemplateRefContent(channel domain.Channel, ref TemplateRef, variables map[string]any) (Content, error) {
	if err := ref.Validate(); err != nil {
		return Content{}, err
	}
	return Content{Kind: ContentTemplateRef, channel: channel, Template: ref, Variables: variables}, nil
}

// NewCustomContent builds opaque content for a custom channel.
func NewCustomContent(channel domain.Channel, payload json.RawMessage) (Content, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return Content{}, domain.Invariant("custom content payload must be valid non-empty JSON")
	}
	return Content{Kind: ContentCustom, channel: channel, Payload: payload}, nil
}

// Channel returns the channel this content was materialized for.
func (c Content) Channel() domain.Channel { return c.channel }

type contentJSON struct {
	Kind      ContentKind     `json:"kind"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Template  *TemplateRef    `json:"template,omitempty"`
	Variables map[string]any  `json:"variables,omitempty"`
}

// MarshalJSON serializes the variant with its discriminant.
func (c Content) MarshalJSON() ([]byte, error) {
	out := contentJSON{
		Kind:      c.Kind,
		Channel:   c.channel.String(),
		Payload:   c.Payload,
		Variables: c.Variables,
	}
	if c.Kind == ContentTemplateRef {
		ref := c.Template
		out.Template = &ref
	}
	return json.Marshal(out)
}

// UnmarshalJSON dispatches on the discriminant and re-validates through
// the variant constructors.
func (c *Content) UnmarshalJSON(data []byte) error {
	var raw contentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ch, err := domain.ParseChannel(raw.Channel)
	if err != nil {
		return err
	}

	var content Content
	switch raw.Kind {
	case ContentSnapshot:
		content, err = NewSnapshotContent(ch, raw.Payload)
	case ContentTemplateRef:
		if raw.Template == nil {
			return domain.Invariant("template_ref content is missing its template reference")
		}
		content, err = NewTemplateRefContent(ch, *raw.Template, raw.Variables)
	case ContentCustom:
		content, err = NewCustomContent(ch, raw.Payload)
	default:
		return domain.Invariant("unknown content kind %q", raw.Kind)
	}
	if err != nil {
		return err
	}

	*c = content
	return nil
}
