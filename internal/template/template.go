package template

import (
	"context"
	"fmt"

	"github.com/lalith-99/courier/internal/domain"
)

// RenderedMessage is channel-ready content produced from a template
// reference. Only the fields relevant to the rendered channel are set.
type RenderedMessage struct {
	Subject   string
	TextBody  string
	HTMLBody  string
	PushTitle string
	PushBody  string
	PushData  map[string]any
}

// Renderer resolves a template reference plus variables into concrete
// content for one channel. Rendering happens at dispatch time, so a
// template edit between enqueue and send is reflected in the message.
type Renderer interface {
	Render(ctx context.Context, channel domain.Channel, ref domain.TemplateRef, vars map[string]any) (*RenderedMessage, error)
}

// TemplateNotFoundError is returned when no template matches the
// reference. Dispatch treats it as a permanent failure.
type TemplateNotFoundError struct {
	Ref     domain.TemplateRef
	Channel domain.Channel
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template %s v%d (%s) not registered for channel %s", e.Ref.TemplateID, e.Ref.Version, e.Ref.Locale, e.Channel)
}
