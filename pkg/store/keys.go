// Package store provides the durable per-session store: conversation
// state, burst buffers, cancellation epochs, and the key discipline that
// keeps multiple webhook workers race-free.
package store

import "fmt"

// DefaultNamespace prefixes every key when no namespace is configured.
const DefaultNamespace = "flowrelay"

// KeyBuilder produces every canonical key pattern used by the store.
// Storage and cleanup must go through the same builder so that no written
// key can escape the cleanup patterns.
type KeyBuilder struct {
	ns string
}

// NewKeyBuilder creates a key builder for a namespace.
func NewKeyBuilder(namespace string) *KeyBuilder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &KeyBuilder{ns: namespace}
}

// State is the per-(user, session) conversation state key.
func (k *KeyBuilder) State(userID, sessionID string) string {
	return fmt.Sprintf("%s:state:%s:%s", k.ns, userID, sessionID)
}

// Meta is the per-(user, agent type) conversation meta key.
func (k *KeyBuilder) Meta(userID, agentType string) string {
	return fmt.Sprintf("%s:state:%s:meta:%s", k.ns, userID, agentType)
}

// Buffer is the per-session inbound buffer key.
func (k *KeyBuilder) Buffer(sessionID string) string {
	return fmt.Sprintf("%s:buffer:%s", k.ns, sessionID)
}

// Cancel is the per-session cancellation epoch key.
func (k *KeyBuilder) Cancel(sessionID string) string {
	return fmt.Sprintf("%s:cancel:%s", k.ns, sessionID)
}

// CurrentReply is the per-user outbound reply marker key.
func (k *KeyBuilder) CurrentReply(userID string) string {
	return fmt.Sprintf("%s:state:system:current_reply:%s", k.ns, userID)
}

// History is the per-session transcript key used by transcript tools.
func (k *KeyBuilder) History(sessionID string) string {
	return fmt.Sprintf("%s:history:%s", k.ns, sessionID)
}

// Escalation is the per-(user, agent type) escalation timestamp key.
func (k *KeyBuilder) Escalation(userID, agentType string) string {
	return fmt.Sprintf("%s:state:%s:escalation:%s", k.ns, userID, agentType)
}

// CleanupPatterns returns glob patterns that together match every key the
// builder can emit for the given identity. A test enforces the coverage.
func (k *KeyBuilder) CleanupPatterns(userID, sessionID string) []string {
	return []string{
		fmt.Sprintf("%s:state:%s:*", k.ns, userID),
		fmt.Sprintf("%s:state:system:current_reply:%s", k.ns, userID),
		fmt.Sprintf("%s:buffer:%s", k.ns, sessionID),
		fmt.Sprintf("%s:cancel:%s", k.ns, sessionID),
		fmt.Sprintf("%s:history:%s", k.ns, sessionID),
	}
}
