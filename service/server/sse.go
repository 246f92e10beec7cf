package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/tradedesk/service/confirm"
	natspkg "github.com/brojonat/tradedesk/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const sseKeepalive = 10 * time.Second

// EventSubscriber replays status events from JetStream to SSE clients. It sees
// every publisher, including reconciliation workers in other processes.
type EventSubscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewEventSubscriber connects to NATS for streaming status events.
func NewEventSubscriber(natsURL string, logger *slog.Logger) (*EventSubscriber, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("tradedesk-sse-subscriber"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE event subscriber initialized", "nats_url", natsURL)

	return &EventSubscriber{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (p *EventSubscriber) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE event subscriber closed")
	}
	return nil
}

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleStreamTransaction streams every status update of a signature as it is
// polled to a terminal status, then closes the stream.
// GET /api/v1/stream/transactions/{signature}
func (s *Server) handleStreamTransaction() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.PathValue("signature")
		if err := validateSignature(signature); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		flusher, ok := startSSE(w)
		if !ok {
			return
		}
		s.metrics.RecordSSEConnectionChange(1)
		defer s.metrics.RecordSSEConnectionChange(-1)

		s.logger.DebugContext(r.Context(), "SSE client connected",
			"signature", signature,
			"remote_addr", r.RemoteAddr,
		)

		rec := s.watchRecorder(r.Context(), signature)
		updates := make(chan confirm.StatusUpdate, 16)
		done := make(chan error, 1)
		go func() {
			defer close(updates)
			_, err := s.confirmer.Watch(r.Context(), signature, func(u confirm.StatusUpdate) {
				rec.observe(u)
				select {
				case updates <- u:
				case <-r.Context().Done():
				}
			})
			done <- err
		}()

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case u, open := <-updates:
				if !open {
					if err := <-done; err != nil && !errors.Is(err, confirm.ErrWatchCancelled) {
						writeEvent(w, flusher, "error", map[string]string{"error": err.Error()})
					}
					return
				}
				if err := writeEvent(w, flusher, "status", updateToResponse(u)); err != nil {
					s.logger.DebugContext(r.Context(), "failed to write SSE event", "error", err)
					return
				}

			case <-r.Context().Done():
				s.logger.DebugContext(r.Context(), "SSE client disconnected",
					"signature", signature,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}

// handleStreamEvents streams published status events from JetStream. Without a
// signature path parameter it streams events for all signatures.
// GET /api/v1/stream/events[/{signature}]
func handleStreamEvents(subscriber *EventSubscriber, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.PathValue("signature")

		subject := natspkg.StreamSubjects
		desc := "all signatures"
		if signature != "" {
			if err := validateSignature(signature); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			subject = natspkg.Subject(signature)
			desc = signature
		}

		// Create ephemeral consumer for this connection
		cons, err := subscriber.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer",
				"subject", subject,
				"error", err,
			)
			writeError(w, "failed to subscribe", http.StatusInternalServerError)
			return
		}

		flusher, ok := startSSE(w)
		if !ok {
			return
		}

		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-r.Context().Done():
				}
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to start consuming messages", "error", err)
				return
			}
			<-r.Context().Done()
			cc.Stop()
		}()

		writeEvent(w, flusher, "connected", map[string]string{"subscription": desc})

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case msg := <-msgChan:
				var event natspkg.StatusEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(r.Context(), "failed to unmarshal event", "error", err)
					msg.Ack()
					continue
				}
				if err := writeEvent(w, flusher, "status", event); err != nil {
					return
				}
				msg.Ack()

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"subscription", desc,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-doneChan:
				return
			}
		}
	})
}
