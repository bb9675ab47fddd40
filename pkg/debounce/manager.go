// Package debounce coordinates multi-message bursts: each webhook spawns a
// worker that waits for user quiescence; only the worker holding the newest
// message survives to drain the buffer and run the LLM turn. Supersession
// is cooperative, via the session's cancellation epoch in the shared store.
package debounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/flowrelay/flowrelay/pkg/models"
	"github.com/flowrelay/flowrelay/pkg/store"
)

// ErrSuperseded signals that a newer message took over this worker's turn.
// A superseded worker must not produce user-visible output.
var ErrSuperseded = errors.New("debounce: superseded by newer message")

// Outcome is the result of the inactivity wait loop.
type Outcome string

// Wait outcomes.
const (
	// OutcomeExit means this worker was superseded and emits nothing.
	OutcomeExit Outcome = "exit"
	// OutcomeProcessSingle means quiescence was reached with one message.
	OutcomeProcessSingle Outcome = "process_single"
	// OutcomeProcessAggregated means quiescence was reached with a burst.
	OutcomeProcessAggregated Outcome = "process_aggregated"
)

// Manager implements the debounce protocol over the shared session store.
type Manager struct {
	store  store.SessionStore
	check  time.Duration
	logger *slog.Logger
}

// New creates a manager polling at the given check interval.
// logger may be nil.
func New(st store.SessionStore, check time.Duration, logger *slog.Logger) *Manager {
	if check <= 0 {
		check = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, check: check, logger: logger}
}

// Register appends an inbound message to the session's burst buffer.
func (m *Manager) Register(ctx context.Context, sessionID string, msg models.InboundMessage) error {
	if err := m.store.AppendInbound(ctx, sessionID, msg); err != nil {
		return fmt.Errorf("register inbound: %w", err)
	}
	return nil
}

// Wait runs the inactivity loop for the worker owning msg. It returns
// OutcomeExit as soon as a newer message is observed; otherwise it returns
// a process outcome when wait elapses with no newer message. The buffer is
// NOT drained here; the winning worker drains at emit time.
func (m *Manager) Wait(ctx context.Context, sessionID string, own models.InboundMessage, wait time.Duration) (Outcome, error) {
	log := m.logger.With("session_id", sessionID, "message_id", own.ID)
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(m.check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return OutcomeExit, ctx.Err()
		case <-deadline.C:
			buffered, err := m.store.PeekInbound(ctx, sessionID)
			if err != nil {
				return OutcomeExit, err
			}
			if newerThan(buffered, own) {
				log.Debug("Superseded at deadline")
				return OutcomeExit, nil
			}
			if len(buffered) > 1 {
				return OutcomeProcessAggregated, nil
			}
			return OutcomeProcessSingle, nil
		case <-ticker.C:
			buffered, err := m.store.PeekInbound(ctx, sessionID)
			if err != nil {
				return OutcomeExit, err
			}
			if newerThan(buffered, own) {
				log.Debug("Superseded while waiting")
				return OutcomeExit, nil
			}
		}
	}
}

// Peek returns the current burst in timestamp-then-sequence order along
// with the aggregated LLM input (texts joined by newlines). The buffer is
// not touched: every message stays available for a newer worker until the
// winner commits at emit time.
func (m *Manager) Peek(ctx context.Context, sessionID string) ([]models.InboundMessage, string, error) {
	msgs, err := m.store.PeekInbound(ctx, sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("peek inbound: %w", err)
	}
	sortBurst(msgs)
	texts := make([]string, len(msgs))
	for i, msg := range msgs {
		texts[i] = msg.Content
	}
	return msgs, strings.Join(texts, "\n"), nil
}

// Commit atomically drains the buffer after the final checkpoint. Any
// drained message outside the processed burst arrived after the worker's
// snapshot; it is re-appended so its own waiting worker still finds it.
func (m *Manager) Commit(ctx context.Context, sessionID string, processed []models.InboundMessage) error {
	drained, err := m.store.DrainInbound(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("commit drain: %w", err)
	}
	seen := make(map[string]bool, len(processed))
	for _, msg := range processed {
		seen[msg.ID] = true
	}
	for _, msg := range drained {
		if seen[msg.ID] {
			continue
		}
		if err := m.store.AppendInbound(ctx, sessionID, msg); err != nil {
			return fmt.Errorf("requeue late arrival: %w", err)
		}
		m.logger.Debug("Requeued message that arrived after the processed burst",
			"session_id", sessionID, "message_id", msg.ID)
	}
	return nil
}

// Begin claims the turn by advancing the cancellation epoch. The returned
// epoch is this worker's token for subsequent checkpoints.
func (m *Manager) Begin(ctx context.Context, sessionID string) (int64, error) {
	epoch, err := m.store.BumpEpoch(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("claim epoch: %w", err)
	}
	return epoch, nil
}

// Checkpoint is a non-blocking supersession check. It returns
// ErrSuperseded when the stored epoch has advanced past this worker's, or
// when the buffer holds a message newer than the processed burst (a
// mid-flight arrival whose worker has not claimed the epoch yet). Called
// before the LLM call, after it, and before send.
func (m *Manager) Checkpoint(ctx context.Context, sessionID string, epoch int64, newest models.InboundMessage) error {
	current, err := m.store.CurrentEpoch(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if current != epoch {
		m.logger.Debug("Worker superseded at checkpoint",
			"session_id", sessionID, "own_epoch", epoch, "current_epoch", current)
		return ErrSuperseded
	}
	buffered, err := m.store.PeekInbound(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if newerThan(buffered, newest) {
		m.logger.Debug("Worker superseded by mid-flight message",
			"session_id", sessionID, "newest_processed", newest.ID)
		return ErrSuperseded
	}
	return nil
}

// sortBurst orders a burst by timestamp, then by sequence.
func sortBurst(msgs []models.InboundMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].Sequence < msgs[j].Sequence
	})
}

// ReplyDelay adds natural jitter to the pre-reply delay:
// wait × (1 + U(−v, +v)) with v = variancePercent/100.
func ReplyDelay(wait time.Duration, variancePercent int) time.Duration {
	if variancePercent <= 0 {
		return wait
	}
	v := float64(variancePercent) / 100
	jitter := 1 + (rand.Float64()*2-1)*v
	d := time.Duration(float64(wait) * jitter)
	if d < 0 {
		return 0
	}
	return d
}

// newerThan reports whether any buffered message postdates own.
func newerThan(buffered []models.InboundMessage, own models.InboundMessage) bool {
	for _, msg := range buffered {
		if msg.ID == own.ID {
			continue
		}
		if msg.Timestamp.After(own.Timestamp) {
			return true
		}
		if msg.Timestamp.Equal(own.Timestamp) && msg.Sequence > own.Sequence {
			return true
		}
	}
	return false
}
