package pipeline

import (
	"context"
	"fmt"

	"sessionmeta/internal/config"
	"sessionmeta/internal/event"
	"sessionmeta/internal/session"
)

// router implements Processor and routes envelopes to the session handler.
type router struct {
	handler eventHandler
}

type eventHandler interface {
	HandleImageSaved(ctx context.Context, e *event.ImageSaved, s config.Settings) session.Outcome
	HandleAutoFocus(ctx context.Context, e *event.AutoFocusCompleted, s config.Settings) session.Outcome
}

func newRouter(h eventHandler) Processor {
	return &router{handler: h}
}

func (r *router) Process(ctx context.Context, env Envelope, s config.Settings) Result {
	var out session.Outcome
	switch env.Type {
	case event.TypeImageSaved:
		if env.Image == nil {
			return Result{Envelope: env, Error: fmt.Errorf("%w: image-saved envelope without payload", event.ErrInvalidEvent)}
		}
		out = r.handler.HandleImageSaved(ctx, env.Image, s)
	case event.TypeAutoFocusCompleted:
		if env.AutoFocus == nil {
			return Result{Envelope: env, Error: fmt.Errorf("%w: autofocus envelope without payload", event.ErrInvalidEvent)}
		}
		out = r.handler.HandleAutoFocus(ctx, env.AutoFocus, s)
	default:
		return Result{Envelope: env, Error: fmt.Errorf("unknown event type: %s", env.Type)}
	}
	return Result{Envelope: env, Outcome: out, Error: out.Err}
}
