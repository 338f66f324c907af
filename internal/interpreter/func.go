package interpreter

import (
	"context"

	"bitpart/internal/domain"
)

// Func adapts a plain function to domain.Interpreter.
type Func func(ctx context.Context, req domain.Request) (domain.Result, error)

func (f Func) Interpret(ctx context.Context, req domain.Request) (domain.Result, error) {
	return f(ctx, req)
}

// Echo replies to every text message with the same text. It backs the
// "echo" interpreter used when no interpreter url is configured.
func Echo() Func {
	return func(_ context.Context, req domain.Request) (domain.Result, error) {
		if req.Event.Type != domain.ContentText || req.Event.Text == "" {
			return domain.Result{}, nil
		}
		content := req.Event
		return domain.Result{Actions: []domain.Action{{Type: domain.ActionSend, Content: &content}}}, nil
	}
}
