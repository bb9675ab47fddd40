package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowrelay/flowrelay/pkg/models"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: not found")

// DefaultStateTTL bounds the lifetime of persisted conversation state.
const DefaultStateTTL = 30 * 24 * time.Hour

// SessionStore is the durable store contract the debouncer and runner rely
// on. Buffer drain, epoch bump, and state save are each atomic; cross-key
// atomicity is not required; the debounce protocol re-checks the epoch.
type SessionStore interface {
	// LoadContext returns the persisted context, or ErrNotFound.
	LoadContext(ctx context.Context, userID, sessionID string) (*models.FlowContext, error)
	// SaveContext persists the context with the state TTL.
	SaveContext(ctx context.Context, fc *models.FlowContext) error
	// DeleteContext removes the persisted context.
	DeleteContext(ctx context.Context, userID, sessionID string) error

	// AppendInbound appends a message to the session's burst buffer.
	AppendInbound(ctx context.Context, sessionID string, msg models.InboundMessage) error
	// PeekInbound returns the buffered messages without draining.
	PeekInbound(ctx context.Context, sessionID string) ([]models.InboundMessage, error)
	// DrainInbound atomically returns and clears the buffered messages.
	DrainInbound(ctx context.Context, sessionID string) ([]models.InboundMessage, error)

	// BumpEpoch advances the session's cancellation epoch and returns it.
	BumpEpoch(ctx context.Context, sessionID string) (int64, error)
	// CurrentEpoch returns the session's cancellation epoch (0 if unset).
	CurrentEpoch(ctx context.Context, sessionID string) (int64, error)

	// GetMeta / SetMeta manage per-(user, agent type) burst-window meta.
	GetMeta(ctx context.Context, userID, agentType string) (*models.ConversationMeta, error)
	SetMeta(ctx context.Context, userID, agentType string, meta models.ConversationMeta) error

	// SetCurrentReply / GetCurrentReply manage the outbound reply marker.
	SetCurrentReply(ctx context.Context, userID string, marker models.ReplyMarker) error
	GetCurrentReply(ctx context.Context, userID string) (*models.ReplyMarker, error)

	// SetEscalation records the escalation timestamp for delayed context
	// clearing.
	SetEscalation(ctx context.Context, userID, agentType string, ts time.Time) error
	GetEscalation(ctx context.Context, userID, agentType string) (time.Time, error)

	// AppendHistory appends a transcript line for transcript tools.
	AppendHistory(ctx context.Context, sessionID string, turn models.ConversationTurn) error
	// GetHistory returns the full transcript.
	GetHistory(ctx context.Context, sessionID string) ([]models.ConversationTurn, error)

	// Cleanup removes every key belonging to the given identity, using the
	// key builder's cleanup patterns.
	Cleanup(ctx context.Context, userID, sessionID string) error
}
