package confirm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
)

// Status is a state of the submission state machine.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusSending    Status = "sending"
	StatusSent       Status = "sent"
	StatusConfirming Status = "confirming"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusIdle:
		return 0
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusConfirming:
		return 3
	case StatusConfirmed, StatusFailed, StatusTimeout:
		return 4
	}
	return -1
}

var (
	// ErrInvalidRequest wraps every input validation failure. Nothing is broadcast.
	ErrInvalidRequest = errors.New("invalid transaction request")

	// ErrWatchCancelled is returned when the caller stops observing before a terminal
	// status. It does not mean the transaction was abandoned: it may still land.
	ErrWatchCancelled = errors.New("watch cancelled before terminal status")
)

// TransactionRequest is a client-signed transaction to broadcast and confirm.
// Metadata is carried for auditing and never interpreted.
type TransactionRequest struct {
	SerializedTransaction string         `json:"serializedTransaction"`
	WalletAddress         string         `json:"walletAddress,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// StatusUpdate is the observable state of one submission. A fresh value is
// emitted on every transition and on every informative poll.
type StatusUpdate struct {
	Status            Status  `json:"status"`
	Signature         string  `json:"signature,omitempty"`
	Error             string  `json:"error,omitempty"`
	ConfirmationLevel string  `json:"confirmationLevel,omitempty"`
	Slot              *uint64 `json:"slot,omitempty"`
}

// Observer receives status updates in order. It is called on the engine's goroutine.
type Observer func(StatusUpdate)

// DecodedTransaction is a validated, parsed TransactionRequest payload.
type DecodedTransaction struct {
	Raw             []byte
	Transaction     *solanago.Transaction
	Signature       string
	FeePayer        string
	RecentBlockhash string
}

// DecodeTransaction validates a request and parses its serialized transaction.
// All failures wrap ErrInvalidRequest.
func DecodeTransaction(req TransactionRequest) (*DecodedTransaction, error) {
	encoded := strings.TrimSpace(req.SerializedTransaction)
	if encoded == "" {
		return nil, fmt.Errorf("%w: serializedTransaction is required", ErrInvalidRequest)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: serializedTransaction is not valid base64: %v", ErrInvalidRequest, err)
	}

	tx, err := solanago.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse transaction: %v", ErrInvalidRequest, err)
	}

	if len(tx.Signatures) == 0 || tx.Signatures[0] == (solanago.Signature{}) {
		return nil, fmt.Errorf("%w: transaction is not signed", ErrInvalidRequest)
	}
	if len(tx.Message.AccountKeys) == 0 {
		return nil, fmt.Errorf("%w: transaction has no accounts", ErrInvalidRequest)
	}

	feePayer := tx.Message.AccountKeys[0]
	if req.WalletAddress != "" {
		wallet, err := solanago.PublicKeyFromBase58(req.WalletAddress)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid walletAddress: %v", ErrInvalidRequest, err)
		}
		if !wallet.Equals(feePayer) {
			return nil, fmt.Errorf("%w: walletAddress %s is not the fee payer %s", ErrInvalidRequest, wallet, feePayer)
		}
	}

	return &DecodedTransaction{
		Raw:             raw,
		Transaction:     tx,
		Signature:       tx.Signatures[0].String(),
		FeePayer:        feePayer.String(),
		RecentBlockhash: tx.Message.RecentBlockhash.String(),
	}, nil
}
