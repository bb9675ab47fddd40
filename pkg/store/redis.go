package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowrelay/flowrelay/pkg/models"
)

// RedisStore implements SessionStore on Redis. The client's connection
// pool is thread-safe; one RedisStore is shared by all workers.
type RedisStore struct {
	rdb      *redis.Client
	keys     *KeyBuilder
	stateTTL time.Duration
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Namespace string
	StateTTL  time.Duration
}

// NewRedisStore creates a SessionStore over the given Redis client.
func NewRedisStore(rdb *redis.Client, opts RedisOptions) *RedisStore {
	ttl := opts.StateTTL
	if ttl == 0 {
		ttl = DefaultStateTTL
	}
	return &RedisStore{
		rdb:      rdb,
		keys:     NewKeyBuilder(opts.Namespace),
		stateTTL: ttl,
	}
}

// Keys exposes the key builder so callers and tests share the patterns.
func (s *RedisStore) Keys() *KeyBuilder { return s.keys }

func (s *RedisStore) LoadContext(ctx context.Context, userID, sessionID string) (*models.FlowContext, error) {
	data, err := s.rdb.Get(ctx, s.keys.State(userID, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	var fc models.FlowContext
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return &fc, nil
}

func (s *RedisStore) SaveContext(ctx context.Context, fc *models.FlowContext) error {
	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	key := s.keys.State(fc.UserID, fc.SessionID)
	if err := s.rdb.Set(ctx, key, data, s.stateTTL).Err(); err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteContext(ctx context.Context, userID, sessionID string) error {
	return s.rdb.Del(ctx, s.keys.State(userID, sessionID)).Err()
}

func (s *RedisStore) AppendInbound(ctx context.Context, sessionID string, msg models.InboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode inbound message: %w", err)
	}
	key := s.keys.Buffer(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append inbound: %w", err)
	}
	return nil
}

func (s *RedisStore) PeekInbound(ctx context.Context, sessionID string) ([]models.InboundMessage, error) {
	raw, err := s.rdb.LRange(ctx, s.keys.Buffer(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("peek inbound: %w", err)
	}
	return decodeInbound(raw)
}

// DrainInbound reads and clears the buffer in one MULTI/EXEC so two
// winning workers can never both observe the same burst.
func (s *RedisStore) DrainInbound(ctx context.Context, sessionID string) ([]models.InboundMessage, error) {
	key := s.keys.Buffer(sessionID)
	pipe := s.rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("drain inbound: %w", err)
	}
	return decodeInbound(rangeCmd.Val())
}

func (s *RedisStore) BumpEpoch(ctx context.Context, sessionID string) (int64, error) {
	epoch, err := s.rdb.Incr(ctx, s.keys.Cancel(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("bump epoch: %w", err)
	}
	return epoch, nil
}

func (s *RedisStore) CurrentEpoch(ctx context.Context, sessionID string) (int64, error) {
	epoch, err := s.rdb.Get(ctx, s.keys.Cancel(sessionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("current epoch: %w", err)
	}
	return epoch, nil
}

func (s *RedisStore) GetMeta(ctx context.Context, userID, agentType string) (*models.ConversationMeta, error) {
	var meta models.ConversationMeta
	if err := s.getJSON(ctx, s.keys.Meta(userID, agentType), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *RedisStore) SetMeta(ctx context.Context, userID, agentType string, meta models.ConversationMeta) error {
	return s.setJSON(ctx, s.keys.Meta(userID, agentType), meta)
}

func (s *RedisStore) SetCurrentReply(ctx context.Context, userID string, marker models.ReplyMarker) error {
	return s.setJSON(ctx, s.keys.CurrentReply(userID), marker)
}

func (s *RedisStore) GetCurrentReply(ctx context.Context, userID string) (*models.ReplyMarker, error) {
	var marker models.ReplyMarker
	if err := s.getJSON(ctx, s.keys.CurrentReply(userID), &marker); err != nil {
		return nil, err
	}
	return &marker, nil
}

func (s *RedisStore) SetEscalation(ctx context.Context, userID, agentType string, ts time.Time) error {
	return s.setJSON(ctx, s.keys.Escalation(userID, agentType), ts)
}

func (s *RedisStore) GetEscalation(ctx context.Context, userID, agentType string) (time.Time, error) {
	var ts time.Time
	if err := s.getJSON(ctx, s.keys.Escalation(userID, agentType), &ts); err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

func (s *RedisStore) AppendHistory(ctx context.Context, sessionID string, turn models.ConversationTurn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode history turn: %w", err)
	}
	key := s.keys.History(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *RedisStore) GetHistory(ctx context.Context, sessionID string) ([]models.ConversationTurn, error) {
	raw, err := s.rdb.LRange(ctx, s.keys.History(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	turns := make([]models.ConversationTurn, 0, len(raw))
	for _, item := range raw {
		var turn models.ConversationTurn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("decode history turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Cleanup deletes every key matching the builder's cleanup patterns for
// the given identity, scanning to avoid blocking Redis.
func (s *RedisStore) Cleanup(ctx context.Context, userID, sessionID string) error {
	for _, pattern := range s.keys.CleanupPatterns(userID, sessionID) {
		iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("cleanup %q: %w", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("cleanup scan %q: %w", pattern, err)
		}
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %q: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, s.stateTTL).Err(); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func decodeInbound(raw []string) ([]models.InboundMessage, error) {
	msgs := make([]models.InboundMessage, 0, len(raw))
	for _, item := range raw {
		var msg models.InboundMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode inbound message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
