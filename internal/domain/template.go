package domain

import "strings"

// TemplateRef points at a published template version. Rendering happens
// late, at dispatch time, so the template body may change between the
// send request and the actual send.
type TemplateRef struct {
	TemplateID string `json:"template_id"`
	Version    int    `json:"version"`
	Locale     string `json:"locale,omitempty"`
}

// Validate checks the reference is well formed.
func (r TemplateRef) Validate() error {
	if strings.TrimSpace(r.TemplateID) == "" {
		return Invariant("template reference requires a template id")
	}
	if r.Version < 1 {
		return Invariant("template reference requires a version >= 1")
	}
	return nil
}
