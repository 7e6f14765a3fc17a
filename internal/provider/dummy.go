package provider

import (
	"context"
	"math/rand/v2"
	"time"
)

// Dummy simulates a provider: fixed latency and a configurable failure rate.
type Dummy struct {
	Latency    time.Duration
	FailurePct int
}

func NewDummy() *Dummy { return &Dummy{Latency: 50 * time.Millisecond, FailurePct: 3} }

func (d *Dummy) Send(ctx context.Context, to, body, _ string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(d.Latency):
	}
	if to == "" || body == "" {
		return "", &Error{Code: "21604", Message: "missing to or body"}
	}
	if rand.IntN(100) < d.FailurePct {
		return "", &Error{Code: "30001", Message: "queue overflow"}
	}
	return "SM" + randomID(), nil
}

func (d *Dummy) SendMany(ctx context.Context, msgs []Outgoing) []Result {
	return sendAll(ctx, msgs, 8, func(ctx context.Context, m Outgoing) (string, error) {
		return d.Send(ctx, m.To, m.Body, m.StatusCallback)
	})
}

func randomID() string {
	const letters = "abcdef0123456789"
	b := make([]byte, 32)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}
