package template

import (
	"context"
	"errors"
	"testing"

	"github.com/lalith-99/courier/internal/domain"
)

func TestRegistry_RenderEmail(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Definition{
		TemplateID: "welcome",
		Version:    1,
		Channel:    domain.ChannelEmail,
		Subject:    "Welcome, {{.name}}!",
		TextBody:   "Hi {{.name}}, thanks for joining.",
		HTMLBody:   "<p>Hi {{.name}}</p>",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	msg, err := reg.Render(context.Background(), domain.ChannelEmail,
		domain.TemplateRef{TemplateID: "welcome", Version: 1},
		map[string]any{"name": "Alice"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if msg.Subject != "Welcome, Alice!" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	if msg.TextBody != "Hi Alice, thanks for joining." {
		t.Fatalf("text = %q", msg.TextBody)
	}
	if msg.HTMLBody != "<p>Hi Alice</p>" {
		t.Fatalf("html = %q", msg.HTMLBody)
	}
}

func TestRegistry_MissingTemplate(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Render(context.Background(), domain.ChannelEmail,
		domain.TemplateRef{TemplateID: "nope", Version: 1}, nil)

	var notFound *TemplateNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TemplateNotFoundError, got %v", err)
	}
}

func TestRegistry_VersionsAreDistinct(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{TemplateID: "t", Version: 1, Channel: domain.ChannelSMS, TextBody: "v1"})
	reg.Register(Definition{TemplateID: "t", Version: 2, Channel: domain.ChannelSMS, TextBody: "v2"})

	msg, err := reg.Render(context.Background(), domain.ChannelSMS, domain.TemplateRef{TemplateID: "t", Version: 2}, nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if msg.TextBody != "v2" {
		t.Fatalf("text = %q", msg.TextBody)
	}

	if _, err := reg.Render(context.Background(), domain.ChannelSMS, domain.TemplateRef{TemplateID: "t", Version: 3}, nil); err == nil {
		t.Fatal("unregistered version should fail")
	}
}

func TestRegistry_LocaleFallback(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{TemplateID: "t", Version: 1, Channel: domain.ChannelSMS, TextBody: "default"})
	reg.Register(Definition{TemplateID: "t", Version: 1, Locale: "de", Channel: domain.ChannelSMS, TextBody: "hallo"})

	msg, _ := reg.Render(context.Background(), domain.ChannelSMS, domain.TemplateRef{TemplateID: "t", Version: 1, Locale: "de"}, nil)
	if msg.TextBody != "hallo" {
		t.Fatalf("de text = %q", msg.TextBody)
	}

	// fr is not registered: falls back to the locale-less definition.
	msg, err := reg.Render(context.Background(), domain.ChannelSMS, domain.TemplateRef{TemplateID: "t", Version: 1, Locale: "fr"}, nil)
	if err != nil {
		t.Fatalf("fallback render: %v", err)
	}
	if msg.TextBody != "default" {
		t.Fatalf("fallback text = %q", msg.TextBody)
	}
}

func TestRegistry_MissingVariableFails(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{TemplateID: "t", Version: 1, Channel: domain.ChannelSMS, TextBody: "Hi {{.name}}"})

	if _, err := reg.Render(context.Background(), domain.ChannelSMS, domain.TemplateRef{TemplateID: "t", Version: 1}, map[string]any{}); err == nil {
		t.Fatal("missing variable should fail the render")
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Definition{Version: 1}); err == nil {
		t.Fatal("missing template id should be rejected")
	}
	if err := reg.Register(Definition{TemplateID: "t", Version: 0}); err == nil {
		t.Fatal("version 0 should be rejected")
	}
	if err := reg.Register(Definition{TemplateID: "t", Version: 1, TextBody: "{{.broken"}); err == nil {
		t.Fatal("unparseable template should be rejected")
	}
}
