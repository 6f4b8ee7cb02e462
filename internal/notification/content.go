package notification

import (
	"encoding/json"
	"strings"

	"github.com/lalith-99/courier/internal/domain"
)

// ContentKind discriminates notification content variants.
type ContentKind string

const (
	ContentInline   ContentKind = "inline"
	ContentTemplate ContentKind = "template"
)

// Content is what the caller asked to send: inline fields, or a
// reference to a managed template. A tagged union keyed by Kind.
type Content struct {
	Kind ContentKind `json:"kind"`

	// inline
	Subject   string         `json:"subject,omitempty"`
	Text      string         `json:"text,omitempty"`
	HTML      string         `json:"html,omitempty"`
	PushTitle string         `json:"push_title,omitempty"`
	PushBody  string         `json:"push_body,omitempty"`
	PushData  map[string]any `json:"push_data,omitempty"`

	// template
	Template  domain.TemplateRef `json:"template"`
	Variables map[string]any     `json:"variables,omitempty"`
}

// NewInlineContent builds caller-supplied content. It must not be
// completely empty; per-channel minimums are checked against the
// requested channels at notification construction.
func NewInlineContent(subject, text, html, pushTitle, pushBody string, pushData map[string]any) (Content, error) {
	c := Content{
		Kind:      ContentInline,
		Subject:   strings.TrimSpace(subject),
		Text:      text,
		HTML:      html,
		PushTitle: strings.TrimSpace(pushTitle),
		PushBody:  pushBody,
		PushData:  pushData,
	}

	if c.Subject == "" && strings.TrimSpace(c.Text) == "" && strings.TrimSpace(c.HTML) == "" &&
		c.PushTitle == "" && strings.TrimSpace(c.PushBody) == "" && len(c.PushData) == 0 {
		return Content{}, domain.Invariant("inline content cannot be completely empty")
	}
	if len(c.PushData) > 0 {
		if _, err := json.Marshal(c.PushData); err != nil {
			return Content{}, domain.Invariant("push data must be JSON-serializable")
		}
	}

	return c, nil
}

// NewTemplateContent builds template-referenced content. Per-channel
// content rules are deferred to render time.
func NewTemplateContent(ref domain.TemplateRef, variables map[string]any) (Content, error) {
	if err := ref.Validate(); err != nil {
		return Content{}, err
	}
	return Content{Kind: ContentTemplate, Template: ref, Variables: variables}, nil
}

// assertCompatible enforces the minimum inline content each built-in
// channel needs. Template content is exempt: the renderer validates it
// when the delivery is dispatched.
func (c Content) assertCompatible(channels ChannelSet) error {
	if c.Kind != ContentInline {
		return nil
	}

	for _, ch := range channels {
		switch {
		case ch.IsEmail():
			if c.Subject == "" {
				return domain.Invariant("email channel requires a non-empty subject")
			}
			if strings.TrimSpace(c.Text) == "" && strings.TrimSpace(c.HTML) == "" {
				return domain.Invariant("email channel requires a text or html body")
			}
		case ch.IsSMS():
			if strings.TrimSpace(c.Text) == "" {
				return domain.Invariant("sms channel requires non-empty text")
			}
		case ch.IsPush():
			if c.PushTitle == "" && strings.TrimSpace(c.PushBody) == "" && len(c.PushData) == 0 {
				return domain.Invariant("push channel requires a title, body, or data")
			}
		}
	}
	return nil
}
