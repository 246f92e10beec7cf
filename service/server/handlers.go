package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/tradedesk/service/confirm"
	"github.com/brojonat/tradedesk/service/db"
	"github.com/brojonat/tradedesk/service/swap"
	solanago "github.com/gagliardetto/solana-go"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - a serialized transaction is at most 1232 bytes
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxSignatureLength = 100     // signatures are 88 chars
	maxWatchTimeout    = 2 * time.Minute
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// transactionResponse is the JSON response format for a submission outcome.
type transactionResponse struct {
	Status            confirm.Status `json:"status"`
	Signature         string         `json:"signature,omitempty"`
	Error             string         `json:"error,omitempty"`
	ConfirmationLevel string         `json:"confirmationLevel,omitempty"`
	Slot              *uint64        `json:"slot,omitempty"`
}

func updateToResponse(u confirm.StatusUpdate) transactionResponse {
	return transactionResponse{
		Status:            u.Status,
		Signature:         u.Signature,
		Error:             u.Error,
		ConfirmationLevel: u.ConfirmationLevel,
		Slot:              u.Slot,
	}
}

// handleSubmitTransaction returns a handler that broadcasts a client-signed
// transaction and waits for its terminal status.
// POST /api/v1/transactions
//
// Confirmed, failed and timeout outcomes are all 200; the body carries the status.
func (s *Server) handleSubmitTransaction() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req confirm.TransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.logger.DebugContext(r.Context(), "failed to decode submit request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		decoded, err := confirm.DecodeTransaction(req)
		if err != nil {
			s.logger.DebugContext(r.Context(), "invalid transaction", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		wallet := req.WalletAddress
		if wallet == "" {
			wallet = decoded.FeePayer
		}
		rec := s.newRecorder(r.Context(), wallet, decoded.RecentBlockhash, "submit")
		rec.begin(decoded, req.Metadata)

		final, err := s.confirmer.Submit(r.Context(), req, rec.observe)
		switch {
		case errors.Is(err, confirm.ErrInvalidRequest):
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, confirm.ErrWatchCancelled):
			// The caller went away. The transaction may still land; hand it to
			// reconciliation if that is configured.
			s.logger.InfoContext(r.Context(), "client disconnected before terminal status",
				"signature", decoded.Signature,
				"status", final.Status,
			)
			rec.reconcile(decoded.Signature)
			return
		case err != nil:
			s.logger.ErrorContext(r.Context(), "submission failed", "signature", decoded.Signature, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		rec.finish(decoded.Signature, final)

		s.logger.InfoContext(r.Context(), "submission finished",
			"signature", final.Signature,
			"status", final.Status,
			"error", final.Error,
		)
		writeJSON(w, updateToResponse(final), http.StatusOK)
	})
}

// handleGetTransaction returns a handler that watches an already broadcast
// signature until it reaches a terminal status or the request timeout passes.
// GET /api/v1/transactions/{signature}?timeout=10s
//
// When the timeout passes first, the last observed status is returned.
func (s *Server) handleGetTransaction() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.PathValue("signature")
		if err := validateSignature(signature); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		timeout := 10 * time.Second
		if raw := r.URL.Query().Get("timeout"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				writeError(w, "invalid timeout parameter: must be a duration like 10s", http.StatusBadRequest)
				return
			}
			if parsed <= 0 || parsed > maxWatchTimeout {
				writeError(w, fmt.Sprintf("timeout must be between 0s and %s", maxWatchTimeout), http.StatusBadRequest)
				return
			}
			timeout = parsed
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		rec := s.watchRecorder(r.Context(), signature)
		latest := confirm.StatusUpdate{Status: confirm.StatusConfirming, Signature: signature}
		final, err := s.confirmer.Watch(ctx, signature, func(u confirm.StatusUpdate) {
			latest = u
			rec.observe(u)
		})
		switch {
		case errors.Is(err, confirm.ErrInvalidRequest):
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, confirm.ErrWatchCancelled):
			if r.Context().Err() != nil {
				return
			}
			final = latest
		case err != nil:
			s.logger.ErrorContext(r.Context(), "watch failed", "signature", signature, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, updateToResponse(final), http.StatusOK)
	})
}

// watchRecorder builds a recorder for a signature submitted earlier, filling
// in the wallet and blockhash from its audit row when there is one.
//
// Only audited signatures are handed to reconciliation, and a row that already
// holds a ledger outcome records nothing further.
func (s *Server) watchRecorder(ctx context.Context, signature string) *recorder {
	var sub *db.Submission
	if s.store != nil {
		var err error
		sub, err = s.store.GetSubmission(ctx, signature)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				s.logger.WarnContext(ctx, "failed to load submission", "signature", signature, "error", err)
			}
			sub = nil
		}
	}
	if sub == nil {
		rec := s.newRecorder(ctx, "", "", "watch")
		rec.reconciler = nil
		return rec
	}

	rec := s.newRecorder(ctx, sub.WalletAddress, sub.RecentBlockhash, "watch")
	switch confirm.Status(sub.Status) {
	case confirm.StatusConfirmed, confirm.StatusFailed:
		rec.settled = true
	}
	return rec
}

// handleBuildSwap returns a handler that builds a simulated, unsigned swap transaction.
// POST /api/v1/swap/build
func (s *Server) handleBuildSwap() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req swap.BuildRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.logger.DebugContext(r.Context(), "failed to decode swap request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		resp, err := s.builder.Build(r.Context(), req)
		if err != nil {
			var simErr *swap.SimulationFailedError
			switch {
			case errors.Is(err, swap.ErrInvalidBuildRequest):
				writeError(w, err.Error(), http.StatusBadRequest)
			case errors.As(err, &simErr):
				s.logger.InfoContext(r.Context(), "swap simulation failed",
					"wallet", req.WalletAddress,
					"error", err,
				)
				writeJSON(w, map[string]interface{}{
					"error":      err.Error(),
					"simulation": simErr.Result,
				}, http.StatusUnprocessableEntity)
			case errors.Is(err, swap.ErrStaleQuote):
				writeError(w, "route quote is stale, retry the request", http.StatusServiceUnavailable)
			default:
				s.logger.ErrorContext(r.Context(), "swap build failed",
					"wallet", req.WalletAddress,
					"input_mint", req.InputMint,
					"output_mint", req.OutputMint,
					"error", err,
				)
				writeError(w, "failed to build swap transaction", http.StatusInternalServerError)
			}
			return
		}

		writeJSON(w, resp, http.StatusOK)
	})
}

// handleListSubmissions returns a handler that lists audited submissions for a wallet.
// GET /api/v1/submissions?wallet_address=ADDRESS&limit=N&offset=N
func handleListSubmissions(store SubmissionStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		walletAddress := query.Get("wallet_address")

		if walletAddress == "" {
			writeError(w, "wallet_address query parameter is required", http.StatusBadRequest)
			return
		}
		if err := validateAddress(walletAddress); err != nil {
			logger.Debug("invalid address", "address", walletAddress, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Parse limit (default 50, max 1000)
		limit := int32(50)
		if limitStr := query.Get("limit"); limitStr != "" {
			parsed, err := strconv.Atoi(limitStr)
			if err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsed < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsed > 1000 {
				writeError(w, "limit cannot exceed 1000", http.StatusBadRequest)
				return
			}
			limit = int32(parsed)
		}

		offset := int32(0)
		if offsetStr := query.Get("offset"); offsetStr != "" {
			parsed, err := strconv.Atoi(offsetStr)
			if err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsed < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			offset = int32(parsed)
		}

		submissions, err := store.ListSubmissionsByWallet(r.Context(), db.ListSubmissionsByWalletParams{
			WalletAddress: walletAddress,
			Limit:         limit,
			Offset:        offset,
		})
		if err != nil {
			logger.Error("failed to list submissions", "wallet", walletAddress, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("submissions listed", "wallet", walletAddress, "count", len(submissions))

		if submissions == nil {
			submissions = []*db.Submission{}
		}
		writeJSON(w, map[string]interface{}{
			"submissions": submissions,
			"count":       len(submissions),
			"limit":       limit,
			"offset":      offset,
		}, http.StatusOK)
	})
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}
	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}
	return validateBase58("address", address)
}

func validateSignature(signature string) error {
	if signature == "" {
		return errorf("signature is required")
	}
	if len(signature) > maxSignatureLength {
		return errorf("signature too long: maximum length is %d characters", maxSignatureLength)
	}
	if err := validateBase58("signature", signature); err != nil {
		return err
	}
	if _, err := solanago.SignatureFromBase58(signature); err != nil {
		return errorf("invalid signature: must encode 64 bytes")
	}
	return nil
}

func validateBase58(field, value string) error {
	// Check for null bytes and control characters
	for _, r := range value {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in %s: control characters not allowed", field)
		}
	}
	if !validAddressRegex.MatchString(value) {
		return errorf("invalid %s format: must contain only valid base58 characters", field)
	}
	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
