package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Provider is the boundary to the SMS transport. Implementations are not
// assumed reliable: every recipient gets either a reference or an error.
type Provider interface {
	Send(ctx context.Context, to, body, statusCallback string) (providerRef string, err error)

	// SendMany is the bulk form of Send for callers outside this module. It
	// returns one Result per message, in order, and never fails as a whole.
	// The worker pool does not use it: it fans out with Send so each
	// recipient is claimed, rate limited and recorded on its own.
	SendMany(ctx context.Context, msgs []Outgoing) []Result
}

type Outgoing struct {
	To             string
	Body           string
	StatusCallback string
}

type Result struct {
	Ref string
	Err error
}

// Error is a typed provider failure for one recipient.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "provider: " + e.Code
	}
	return fmt.Sprintf("provider: %s: %s", e.Code, e.Message)
}

// AsError turns any send error into an *Error. Context deadline and
// cancellation become "timeout" and "canceled".
func AsError(err error) *Error {
	var pe *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pe):
		return pe
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: "timeout", Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &Error{Code: "canceled", Message: err.Error()}
	}
	return &Error{Code: "transport", Message: err.Error()}
}

// sendAll calls send for every message with at most limit in flight and
// returns results in input order.
func sendAll(ctx context.Context, msgs []Outgoing, limit int, send func(context.Context, Outgoing) (string, error)) []Result {
	if limit <= 0 {
		limit = 1
	}
	out := make([]Result, len(msgs))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, m := range msgs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, m Outgoing) {
			defer wg.Done()
			defer func() { <-sem }()
			ref, err := send(ctx, m)
			out[i] = Result{Ref: ref, Err: err}
		}(i, m)
	}
	wg.Wait()
	return out
}
