package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptEntry is one scripted response for the stub client.
type ScriptEntry struct {
	Response *Response
	Err      error

	// BlockUntil, when set, blocks Extract until the channel closes. Used
	// by supersession tests to hold a worker mid-call.
	BlockUntil <-chan struct{}
	// OnBlock is notified once Extract enters its blocking path.
	OnBlock chan<- struct{}
}

// StubClient implements Client with scripted responses consumed in order.
// It records every prompt it receives so tests can assert on aggregation
// and retry behavior.
type StubClient struct {
	mu      sync.Mutex
	script  []ScriptEntry
	index   int
	prompts []string
}

// NewStubClient creates an empty stub client.
func NewStubClient() *StubClient {
	return &StubClient{}
}

// Add appends a scripted entry.
func (s *StubClient) Add(entry ScriptEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, entry)
}

// AddToolCall is shorthand for a single tool-call response.
func (s *StubClient) AddToolCall(name, arguments string) {
	s.Add(ScriptEntry{Response: &Response{
		ToolCalls: []ToolCall{{Name: name, Arguments: arguments}},
		Model:     "stub",
	}})
}

// Prompts returns the prompts captured so far.
func (s *StubClient) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}

// Calls returns how many Extract calls were made.
func (s *StubClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

// Extract implements Client.
func (s *StubClient) Extract(ctx context.Context, prompt string, _ []Tool) (*Response, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	if s.index >= len(s.script) {
		s.mu.Unlock()
		return nil, fmt.Errorf("stub llm: script exhausted after %d calls", s.index)
	}
	entry := s.script[s.index]
	s.index++
	s.mu.Unlock()

	if entry.BlockUntil != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.BlockUntil:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if entry.Err != nil {
		return nil, entry.Err
	}
	return entry.Response, nil
}
