package template

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	texttemplate "text/template"

	"github.com/lalith-99/courier/internal/domain"
)

// Definition is the source text for one (template, version, locale,
// channel) combination. Fields irrelevant to the channel stay empty.
type Definition struct {
	TemplateID string         `json:"template_id"`
	Version    int            `json:"version"`
	Locale     string         `json:"locale,omitempty"`
	Channel    domain.Channel `json:"channel"`

	Subject   string `json:"subject,omitempty"`
	TextBody  string `json:"text_body,omitempty"`
	HTMLBody  string `json:"html_body,omitempty"`
	PushTitle string `json:"push_title,omitempty"`
	PushBody  string `json:"push_body,omitempty"`
}

type registryKey struct {
	templateID string
	version    int
	locale     string
	channel    domain.Channel
}

type compiled struct {
	subject   *texttemplate.Template
	textBody  *texttemplate.Template
	htmlBody  *texttemplate.Template
	pushTitle *texttemplate.Template
	pushBody  *texttemplate.Template
}

// Registry is an in-memory Renderer backed by text/template. Templates
// are registered at startup; Render is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[registryKey]*compiled
}

func NewRegistry() *Registry {
	return &Registry{templates: make(map[registryKey]*compiled)}
}

// Register compiles and stores a definition, replacing any previous one
// for the same key.
func (r *Registry) Register(def Definition) error {
	if def.TemplateID == "" {
		return fmt.Errorf("template definition missing template id")
	}
	if def.Version < 1 {
		return fmt.Errorf("template %s: version must be >= 1", def.TemplateID)
	}

	c := &compiled{}
	var err error
	compile := func(name, src string) *texttemplate.Template {
		if src == "" || err != nil {
			return nil
		}
		var t *texttemplate.Template
		t, err = texttemplate.New(name).Option("missingkey=error").Parse(src)
		return t
	}
	c.subject = compile("subject", def.Subject)
	c.textBody = compile("text_body", def.TextBody)
	c.htmlBody = compile("html_body", def.HTMLBody)
	c.pushTitle = compile("push_title", def.PushTitle)
	c.pushBody = compile("push_body", def.PushBody)
	if err != nil {
		return fmt.Errorf("compile template %s v%d: %w", def.TemplateID, def.Version, err)
	}

	key := registryKey{def.TemplateID, def.Version, strings.ToLower(def.Locale), def.Channel}
	r.mu.Lock()
	r.templates[key] = c
	r.mu.Unlock()
	return nil
}

// Render executes the registered templates for the reference. A missing
// locale falls back to the locale-less registration before failing.
func (r *Registry) Render(ctx context.Context, channel domain.Channel, ref domain.TemplateRef, vars map[string]any) (*RenderedMessage, error) {
	r.mu.RLock()
	c, ok := r.templates[registryKey{ref.TemplateID, ref.Version, strings.ToLower(ref.Locale), channel}]
	if !ok && ref.Locale != "" {
		c, ok = r.templates[registryKey{ref.TemplateID, ref.Version, "", channel}]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, &TemplateNotFoundError{Ref: ref, Channel: channel}
	}

	msg := &RenderedMessage{}
	exec := func(dst *string, t *texttemplate.Template) error {
		if t == nil {
			return nil
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, vars); err != nil {
			return fmt.Errorf("render template %s v%d: %w", ref.TemplateID, ref.Version, err)
		}
		*dst = buf.String()
		return nil
	}
	if err := exec(&msg.Subject, c.subject); err != nil {
		return nil, err
	}
	if err := exec(&msg.TextBody, c.textBody); err != nil {
		return nil, err
	}
	if err := exec(&msg.HTMLBody, c.htmlBody); err != nil {
		return nil, err
	}
	if err := exec(&msg.PushTitle, c.pushTitle); err != nil {
		return nil, err
	}
	if err := exec(&msg.PushBody, c.pushBody); err != nil {
		return nil, err
	}
	return msg, nil
}
