package solana

import (
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go/rpc"
)

// ConfirmationLevel is the ledger-reported depth of a landed transaction.
type ConfirmationLevel string

const (
	LevelProcessed ConfirmationLevel = "processed"
	LevelConfirmed ConfirmationLevel = "confirmed"
	LevelFinalized ConfirmationLevel = "finalized"
)

// LedgerStatus is the gateway's answer to a signature status query.
// It is one of StatusUnknown, StatusPending, StatusConfirmed or StatusFailed.
type LedgerStatus interface {
	isLedgerStatus()
}

// StatusUnknown means the ledger has no record of the signature yet.
type StatusUnknown struct{}

// StatusPending means the transaction landed but has not reached the confirmed level.
type StatusPending struct {
	Slot  uint64
	Level ConfirmationLevel
}

// StatusConfirmed means the transaction executed without error at confirmed or finalized depth.
type StatusConfirmed struct {
	Slot  uint64
	Level ConfirmationLevel
}

// StatusFailed means the transaction landed but program execution rejected it.
// Err is the gateway's error payload rendered as JSON.
type StatusFailed struct {
	Slot  uint64
	Level ConfirmationLevel
	Err   string
}

func (StatusUnknown) isLedgerStatus()   {}
func (StatusPending) isLedgerStatus()   {}
func (StatusConfirmed) isLedgerStatus() {}
func (StatusFailed) isLedgerStatus()    {}

// StatusFromResult converts one entry of a getSignatureStatuses response into a LedgerStatus.
// A nil entry means the signature is unknown to the node.
func StatusFromResult(res *rpc.SignatureStatusesResult) LedgerStatus {
	if res == nil {
		return StatusUnknown{}
	}

	level := levelFromResult(res)

	if res.Err != nil {
		return StatusFailed{Slot: res.Slot, Level: level, Err: renderLedgerError(res.Err)}
	}

	switch level {
	case LevelConfirmed, LevelFinalized:
		return StatusConfirmed{Slot: res.Slot, Level: level}
	default:
		return StatusPending{Slot: res.Slot, Level: level}
	}
}

func levelFromResult(res *rpc.SignatureStatusesResult) ConfirmationLevel {
	switch res.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		return LevelFinalized
	case rpc.ConfirmationStatusConfirmed:
		return LevelConfirmed
	case rpc.ConfirmationStatusProcessed:
		return LevelProcessed
	}
	// Older nodes omit confirmationStatus; a null confirmation count means rooted.
	if res.Confirmations == nil {
		return LevelFinalized
	}
	return LevelProcessed
}

// renderLedgerError renders the untyped error payload so it is reported verbatim.
func renderLedgerError(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
