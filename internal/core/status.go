package core

import (
	"strings"
	"time"
)

// rank orders the outbound lifecycle. Transitions only move to a strictly
// higher rank; everything else is a no-op.
func rank(s Status) int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered, StatusFailed, StatusUndelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusRead, StatusFailed, StatusUndelivered, StatusReceived:
		return true
	}
	return false
}

func (s Status) failure() bool { return s == StatusFailed || s == StatusUndelivered }

// Advance applies u to m and reports whether anything changed. It is pure so
// stores can run it under their own row lock.
//
// Terminal messages keep their status; the only later mutations allowed are
// delivered -> read, attaching error details to a failed/undelivered message
// that has none yet, and attaching a provider ref that arrives after the
// message was failed (a send that completed after the sweeper gave up on it).
func Advance(m Message, u StatusUpdate, now time.Time) (Message, bool) {
	if m.Direction == Inbound || rank(u.Status) < 0 {
		return m, false
	}

	if m.Status.Terminal() {
		changed := false
		if m.ProviderRef == nil && hasText(u.ProviderRef) {
			m.ProviderRef = u.ProviderRef
			changed = true
		}
		if m.Status == StatusDelivered && u.Status == StatusRead {
			m.Status = StatusRead
			return m, true
		}
		if m.Status.failure() && m.ErrorCode == nil && hasText(u.ErrorCode) {
			m.ErrorCode, m.ErrorMessage = u.ErrorCode, u.ErrorMessage
			return m, true
		}
		return m, changed
	}

	changed := false
	if m.ProviderRef == nil && hasText(u.ProviderRef) {
		m.ProviderRef = u.ProviderRef
		changed = true
	}
	if rank(u.Status) <= rank(m.Status) {
		return m, changed
	}

	m.Status = u.Status
	if m.SentAt == nil && u.Status != StatusQueued {
		m.SentAt = &now
	}
	if m.DeliveredAt == nil && (u.Status == StatusDelivered || u.Status == StatusRead) {
		m.DeliveredAt = &now
	}
	if u.Status.failure() && hasText(u.ErrorCode) {
		m.ErrorCode, m.ErrorMessage = u.ErrorCode, u.ErrorMessage
	}
	return m, true
}

// NormalizeStatus maps a provider status word onto the lifecycle. ok is
// false for words it does not know.
func NormalizeStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted", "queued", "sending", "scheduled":
		return StatusQueued, true
	case "sent":
		return StatusSent, true
	case "delivered":
		return StatusDelivered, true
	case "read":
		return StatusRead, true
	case "failed", "canceled":
		return StatusFailed, true
	case "undelivered":
		return StatusUndelivered, true
	}
	return "", false
}

func hasText(s *string) bool { return s != nil && *s != "" }
