// Package session coordinates one inbound webhook message end to end:
// buffering, the inactivity wait, supersession checkpoints, the turn
// itself, and the atomic context write-back.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowrelay/flowrelay/pkg/config"
	"github.com/flowrelay/flowrelay/pkg/debounce"
	"github.com/flowrelay/flowrelay/pkg/models"
	"github.com/flowrelay/flowrelay/pkg/runner"
	"github.com/flowrelay/flowrelay/pkg/store"
)

// agentType labels the conversation meta bucket for this engine.
const agentType = "flow"

// RunnerProvider resolves the turn runner and flow id for a tenant.
type RunnerProvider interface {
	RunnerFor(ctx context.Context, tenantID string) (*runner.Runner, string, error)
}

// TranscriptLog persists individual messages to an external log,
// unchanged by aggregation. May be nil (logging disabled).
type TranscriptLog interface {
	LogMessage(ctx context.Context, sessionID, userID string, role models.Role, content string) error
}

// Manager executes the debounce protocol for inbound messages. One
// Manager is shared by all webhook workers; per-turn state lives in the
// session store.
type Manager struct {
	store      store.SessionStore
	debounce   *debounce.Manager
	runners    RunnerProvider
	transcript TranscriptLog
	cfg        *config.Config
	logger     *slog.Logger
}

// NewManager creates a session manager. transcript and logger may be nil.
func NewManager(st store.SessionStore, deb *debounce.Manager, runners RunnerProvider, transcript TranscriptLog, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      st,
		debounce:   deb,
		runners:    runners,
		transcript: transcript,
		cfg:        cfg,
		logger:     logger,
	}
}

// SessionID derives the stable session identity for a (tenant, user) pair.
func SessionID(tenantID, userID string) string {
	return fmt.Sprintf("%s:%s", tenantID, userID)
}

// HandleInbound runs the full protocol for one webhook message. It
// returns (nil, nil) when this worker was superseded: no reply is emitted
// and no state is written. A non-nil TurnResult carries the reply bubbles
// for transport to send.
func (m *Manager) HandleInbound(ctx context.Context, tenantID string, msg models.WebhookMessage) (*models.TurnResult, error) {
	sessionID := SessionID(tenantID, msg.UserID)
	tenant := m.cfg.Tenant(tenantID)
	log := m.logger.With("session_id", sessionID, "user_id", msg.UserID)

	own := models.InboundMessage{
		ID:        msg.MessageID,
		Content:   msg.Text,
		Timestamp: time.Now().UTC(),
		Sequence:  time.Now().UTC().UnixNano(),
	}
	if own.ID == "" {
		own.ID = uuid.NewString()
	}

	if err := m.debounce.Register(ctx, sessionID, own); err != nil {
		return nil, err
	}
	if err := m.touchMeta(ctx, msg.UserID, own.Timestamp); err != nil {
		log.Warn("Failed to update conversation meta", "error", err)
	}

	outcome, err := m.debounce.Wait(ctx, sessionID, own, tenant.WaitTime())
	if err != nil {
		return nil, err
	}
	if outcome == debounce.OutcomeExit {
		log.Debug("Worker superseded during wait, exiting without reply")
		return nil, nil
	}

	result, err := m.processBurst(ctx, tenantID, sessionID, msg, tenant, log)
	if errors.Is(err, debounce.ErrSuperseded) {
		log.Debug("Worker superseded during processing, discarding work")
		return nil, nil
	}
	return result, err
}

// processBurst is the winning worker's path: claim the epoch, snapshot the
// buffer, run the turn, and write back. The buffer is only drained at emit
// time, after the last checkpoint, so a superseded worker leaves the whole
// burst behind for the newer worker to aggregate.
func (m *Manager) processBurst(ctx context.Context, tenantID, sessionID string, msg models.WebhookMessage, tenant config.TenantConfig, log *slog.Logger) (*models.TurnResult, error) {
	epoch, err := m.debounce.Begin(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	burst, aggregated, err := m.debounce.Peek(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(burst) == 0 {
		log.Debug("Buffer already committed by another worker")
		return nil, nil
	}
	newest := burst[len(burst)-1]

	turnRunner, flowID, err := m.runners.RunnerFor(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve runner: %w", err)
	}

	fc, err := m.store.LoadContext(ctx, msg.UserID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		fc = models.NewFlowContext(flowID, msg.UserID, sessionID)
		fc.TenantID = tenantID
	} else if err != nil {
		return nil, err
	}

	// Checkpoint 1: before the LLM call.
	if err := m.debounce.Checkpoint(ctx, sessionID, epoch, newest); err != nil {
		return nil, err
	}

	result, err := turnRunner.RunTurn(ctx, runner.Input{
		Context:     fc,
		UserMessage: aggregated,
		IsAdmin:     msg.IsAdmin,
	})
	if err != nil {
		return nil, fmt.Errorf("run turn: %w", err)
	}

	// Checkpoint 2: after the LLM call. A message that arrived while the
	// model was thinking supersedes this worker; the untouched buffer lets
	// the newer worker aggregate the full burst.
	if err := m.debounce.Checkpoint(ctx, sessionID, epoch, newest); err != nil {
		return nil, err
	}

	if tenant.NaturalDelaysEnabled {
		m.naturalize(ctx, tenant)
	}

	// Checkpoint 3: before emit. Past this point the reply is ours.
	if err := m.debounce.Checkpoint(ctx, sessionID, epoch, newest); err != nil {
		return nil, err
	}

	// Drain at emit time; late arrivals are requeued for their own workers.
	if err := m.debounce.Commit(ctx, sessionID, burst); err != nil {
		return nil, err
	}
	m.logBurst(ctx, sessionID, msg.UserID, burst)

	if err := m.store.SaveContext(ctx, fc); err != nil {
		return nil, fmt.Errorf("save context: %w", err)
	}
	for _, out := range result.Messages {
		turn := models.ConversationTurn{
			Timestamp: time.Now().UTC(),
			Role:      models.RoleAssistant,
			Content:   out.Text,
			NodeID:    fc.CurrentNodeID,
		}
		if err := m.store.AppendHistory(ctx, sessionID, turn); err != nil {
			log.Warn("Failed to append history", "error", err)
		}
		if m.transcript != nil {
			if err := m.transcript.LogMessage(ctx, sessionID, msg.UserID, models.RoleAssistant, out.Text); err != nil {
				log.Warn("Failed to log outbound message", "error", err)
			}
		}
	}
	marker := models.ReplyMarker{ReplyID: uuid.NewString(), Ts: time.Now().UTC()}
	if err := m.store.SetCurrentReply(ctx, msg.UserID, marker); err != nil {
		log.Warn("Failed to set reply marker", "error", err)
	}
	if result.Escalate {
		if err := m.store.SetEscalation(ctx, msg.UserID, agentType, time.Now().UTC()); err != nil {
			log.Warn("Failed to record escalation", "error", err)
		}
	}

	log.Info("Turn completed",
		"burst_size", len(burst),
		"messages", len(result.Messages),
		"terminal", result.Terminal,
		"escalate", result.Escalate)
	return result, nil
}

// logBurst persists each individual message before aggregation so the
// transcript shows what the user actually typed.
func (m *Manager) logBurst(ctx context.Context, sessionID, userID string, burst []models.InboundMessage) {
	for _, msg := range burst {
		turn := models.ConversationTurn{
			Timestamp: msg.Timestamp,
			Role:      models.RoleUser,
			Content:   msg.Content,
		}
		if err := m.store.AppendHistory(ctx, sessionID, turn); err != nil {
			m.logger.Warn("Failed to append inbound history", "session_id", sessionID, "error", err)
		}
		if m.transcript != nil {
			if err := m.transcript.LogMessage(ctx, sessionID, userID, models.RoleUser, msg.Content); err != nil {
				m.logger.Warn("Failed to log inbound message", "session_id", sessionID, "error", err)
			}
		}
	}
}

// naturalize sleeps the jittered remainder of the reply delay.
func (m *Manager) naturalize(ctx context.Context, tenant config.TenantConfig) {
	wait := tenant.WaitTime()
	delay := debounce.ReplyDelay(wait, tenant.DelayVariancePercent)
	extra := delay - wait
	if extra <= 0 {
		return
	}
	select {
	case <-time.After(extra):
	case <-ctx.Done():
	}
}

func (m *Manager) touchMeta(ctx context.Context, userID string, ts time.Time) error {
	meta, err := m.store.GetMeta(ctx, userID, agentType)
	if errors.Is(err, store.ErrNotFound) {
		meta = &models.ConversationMeta{WindowStartTs: ts}
	} else if err != nil {
		return err
	}
	meta.LastInboundTs = ts
	if meta.WindowStartTs.IsZero() {
		meta.WindowStartTs = ts
	}
	return m.store.SetMeta(ctx, userID, agentType, *meta)
}
