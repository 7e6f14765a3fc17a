package core

import (
	"time"
)

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusSent        Status = "sent"
	StatusDelivered   Status = "delivered"
	StatusRead        Status = "read"
	StatusFailed      Status = "failed"
	StatusUndelivered Status = "undelivered"
	StatusReceived    Status = "received"
)

type Message struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	ClientID     string     `json:"client_id"`
	Content      string     `json:"content"`
	Direction    Direction  `json:"direction"`
	Status       Status     `json:"status"`
	BatchID      *string    `json:"batch_id,omitempty"`
	ProviderRef  *string    `json:"provider_ref,omitempty"`
	ErrorCode    *string    `json:"error_code,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
}

type TransactionType string

const (
	TxPurchase TransactionType = "purchase"
	TxUsage    TransactionType = "usage"
	TxBonus    TransactionType = "bonus"
)

// CreditTransaction is an immutable ledger row. Amount is positive for
// purchase/bonus and negative for usage.
type CreditTransaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Amount      int             `json:"amount"`
	Type        TransactionType `json:"type"`
	Description string          `json:"description"`
	ExternalRef *string         `json:"external_ref,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Grant struct {
	UserID      string
	Amount      int
	Type        TransactionType
	Description string
	ExternalRef *string
}

type Client struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Name            string     `json:"name"`
	Phone           string     `json:"phone"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// StatusUpdate is a requested lifecycle change for one message. ProviderRef
// is attached only if the message has none yet.
type StatusUpdate struct {
	Status       Status
	ProviderRef  *string
	ErrorCode    *string
	ErrorMessage *string
}

// SendJob is one recipient's provider call, handed to a Sender after the
// message row is recorded.
type SendJob struct {
	MessageID string
	UserID    string
	BatchID   string
	To        string
	Body      string
}

type BatchReceipt struct {
	BatchID       string `json:"batchId"`
	TotalMessages int    `json:"totalMessages"`
}

type Progress struct {
	Total         int            `json:"total"`
	Delivered     int            `json:"delivered"`
	Failed        int            `json:"failed"`
	Queued        int            `json:"queued"`
	Sent          int            `json:"sent"`
	DeliveredPct  int            `json:"deliveredPercentage"`
	FailedPct     int            `json:"failedPercentage"`
	InProgressPct int            `json:"inProgressPercentage"`
	IsComplete    bool           `json:"isComplete"`
	StatusCounts  map[Status]int `json:"statusCounts"`
}
