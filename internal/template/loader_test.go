package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lalith-99/courier/internal/domain"
)

func writeTemplateFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeTemplateFile(t, dir, "welcome.json", `[
		{"template_id": "welcome", "version": 1, "channel": "email",
		 "subject": "Welcome, {{.name}}!", "text_body": "Hi {{.name}}."},
		{"template_id": "welcome", "version": 1, "channel": "sms",
		 "text_body": "Welcome {{.name}}"}
	]`)
	writeTemplateFile(t, dir, "receipt.json", `[
		{"template_id": "receipt", "version": 2, "locale": "en-US", "channel": "email",
		 "subject": "Your receipt", "text_body": "Order {{.order_id}} confirmed."}
	]`)
	writeTemplateFile(t, dir, "notes.txt", `not a template file, skipped`)

	reg := NewRegistry()
	n, err := reg.LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if n != 3 {
		t.Fatalf("loaded %d definitions, want 3", n)
	}

	msg, err := reg.Render(context.Background(), domain.ChannelEmail,
		domain.TemplateRef{TemplateID: "welcome", Version: 1},
		map[string]any{"name": "Alice"})
	if err != nil {
		t.Fatalf("render welcome: %v", err)
	}
	if msg.Subject != "Welcome, Alice!" {
		t.Fatalf("subject = %q", msg.Subject)
	}

	msg, err = reg.Render(context.Background(), domain.ChannelEmail,
		domain.TemplateRef{TemplateID: "receipt", Version: 2, Locale: "en-US"},
		map[string]any{"order_id": "o-42"})
	if err != nil {
		t.Fatalf("render receipt: %v", err)
	}
	if msg.TextBody != "Order o-42 confirmed." {
		t.Fatalf("text = %q", msg.TextBody)
	}
}

func TestLoadDir_BadDefinition(t *testing.T) {
	dir := t.TempDir()
	writeTemplateFile(t, dir, "broken.json", `[
		{"template_id": "broken", "version": 1, "channel": "email",
		 "subject": "{{.unclosed"}
	]`)

	reg := NewRegistry()
	if _, err := reg.LoadDir(dir); err == nil {
		t.Fatal("expected a compile error for the malformed template")
	}
}

func TestLoadDir_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeTemplateFile(t, dir, "garbage.json", `{not json`)

	reg := NewRegistry()
	if _, err := reg.LoadDir(dir); err == nil {
		t.Fatal("expected a parse error")
	}
}
