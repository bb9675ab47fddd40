package store

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/flowrelay/flowrelay/pkg/models"
)

// MemoryStore is an in-memory SessionStore used by tests and local runs.
// It mirrors the Redis implementation's semantics, including the key
// discipline: all values are stored under builder-produced keys so the
// cleanup-pattern invariant can be tested without a Redis server.
type MemoryStore struct {
	mu     sync.Mutex
	keys   *KeyBuilder
	values map[string][]byte   // JSON values
	lists  map[string][][]byte // JSON list entries
	epochs map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(namespace string) *MemoryStore {
	return &MemoryStore{
		keys:   NewKeyBuilder(namespace),
		values: make(map[string][]byte),
		lists:  make(map[string][][]byte),
		epochs: make(map[string]int64),
	}
}

// Keys exposes the key builder.
func (s *MemoryStore) Keys() *KeyBuilder { return s.keys }

// StoredKeys returns every live key, for the key-discipline test.
func (s *MemoryStore) StoredKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.values {
		out = append(out, k)
	}
	for k := range s.lists {
		out = append(out, k)
	}
	for k := range s.epochs {
		out = append(out, k)
	}
	return out
}

func (s *MemoryStore) LoadContext(_ context.Context, userID, sessionID string) (*models.FlowContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.values[s.keys.State(userID, sessionID)]
	if !ok {
		return nil, ErrNotFound
	}
	var fc models.FlowContext
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (s *MemoryStore) SaveContext(_ context.Context, fc *models.FlowContext) error {
	data, err := json.Marshal(fc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[s.keys.State(fc.UserID, fc.SessionID)] = data
	return nil
}

func (s *MemoryStore) DeleteContext(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, s.keys.State(userID, sessionID))
	return nil
}

func (s *MemoryStore) AppendInbound(_ context.Context, sessionID string, msg models.InboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.keys.Buffer(sessionID)
	s.lists[key] = append(s.lists[key], data)
	return nil
}

func (s *MemoryStore) PeekInbound(_ context.Context, sessionID string) ([]models.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeInboundBytes(s.lists[s.keys.Buffer(sessionID)])
}

func (s *MemoryStore) DrainInbound(_ context.Context, sessionID string) ([]models.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.keys.Buffer(sessionID)
	entries := s.lists[key]
	delete(s.lists, key)
	return decodeInboundBytes(entries)
}

func (s *MemoryStore) BumpEpoch(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.keys.Cancel(sessionID)
	s.epochs[key]++
	return s.epochs[key], nil
}

func (s *MemoryStore) CurrentEpoch(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[s.keys.Cancel(sessionID)], nil
}

func (s *MemoryStore) GetMeta(_ context.Context, userID, agentType string) (*models.ConversationMeta, error) {
	var meta models.ConversationMeta
	if err := s.getJSON(s.keys.Meta(userID, agentType), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *MemoryStore) SetMeta(_ context.Context, userID, agentType string, meta models.ConversationMeta) error {
	return s.setJSON(s.keys.Meta(userID, agentType), meta)
}

func (s *MemoryStore) SetCurrentReply(_ context.Context, userID string, marker models.ReplyMarker) error {
	return s.setJSON(s.keys.CurrentReply(userID), marker)
}

func (s *MemoryStore) GetCurrentReply(_ context.Context, userID string) (*models.ReplyMarker, error) {
	var marker models.ReplyMarker
	if err := s.getJSON(s.keys.CurrentReply(userID), &marker); err != nil {
		return nil, err
	}
	return &marker, nil
}

func (s *MemoryStore) SetEscalation(_ context.Context, userID, agentType string, ts time.Time) error {
	return s.setJSON(s.keys.Escalation(userID, agentType), ts)
}

func (s *MemoryStore) GetEscalation(_ context.Context, userID, agentType string) (time.Time, error) {
	var ts time.Time
	if err := s.getJSON(s.keys.Escalation(userID, agentType), &ts); err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, sessionID string, turn models.ConversationTurn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.keys.History(sessionID)
	s.lists[key] = append(s.lists[key], data)
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, sessionID string) ([]models.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var turns []models.ConversationTurn
	for _, data := range s.lists[s.keys.History(sessionID)] {
		var turn models.ConversationTurn
		if err := json.Unmarshal(data, &turn); err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *MemoryStore) Cleanup(_ context.Context, userID, sessionID string) error {
	patterns := s.keys.CleanupPatterns(userID, sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	match := func(key string) bool {
		for _, p := range patterns {
			if ok, _ := path.Match(p, key); ok {
				return true
			}
		}
		return false
	}
	for k := range s.values {
		if match(k) {
			delete(s.values, k)
		}
	}
	for k := range s.lists {
		if match(k) {
			delete(s.lists, k)
		}
	}
	for k := range s.epochs {
		if match(k) {
			delete(s.epochs, k)
		}
	}
	return nil
}

func (s *MemoryStore) getJSON(key string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.values[key]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}

func (s *MemoryStore) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = data
	return nil
}

func decodeInboundBytes(entries [][]byte) ([]models.InboundMessage, error) {
	msgs := make([]models.InboundMessage, 0, len(entries))
	for _, data := range entries {
		var msg models.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
