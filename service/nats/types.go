package nats

import (
	"time"

	"github.com/brojonat/tradedesk/service/confirm"
)

// StatusEvent is one observed status of a submitted transaction.
// It is published to the subject "txstatus.{signature}" in JetStream.
type StatusEvent struct {
	Signature     string `json:"signature"`
	WalletAddress string `json:"wallet_address,omitempty"`

	Status            string  `json:"status"`
	Error             string  `json:"error,omitempty"`
	ConfirmationLevel string  `json:"confirmation_level,omitempty"`
	Slot              *uint64 `json:"slot,omitempty"`

	// Source is "submit", "watch" or "reconcile".
	Source string `json:"source"`

	PublishedAt time.Time `json:"published_at"`
}

// FromStatusUpdate converts an engine update into a StatusEvent for publishing.
func FromStatusUpdate(u confirm.StatusUpdate, wallet, source string) *StatusEvent {
	return &StatusEvent{
		Signature:         u.Signature,
		WalletAddress:     wallet,
		Status:            string(u.Status),
		Error:             u.Error,
		ConfirmationLevel: u.ConfirmationLevel,
		Slot:              u.Slot,
		Source:            source,
		PublishedAt:       time.Now().UTC(),
	}
}

// Subject returns the JetStream subject for a signature.
func Subject(signature string) string {
	return SubjectPrefix + signature
}
