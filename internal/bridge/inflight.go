package bridge

import (
	"encoding/json"
	"sync"
)

// InflightTracker records client request ids and their methods so the
// bridge can address errors correctly when the child stream misbehaves.
type InflightTracker struct {
	mu      sync.Mutex
	pending map[string]string // canonical id -> method
	order   []string
}

// NewInflightTracker creates an empty tracker.
func NewInflightTracker() *InflightTracker {
	return &InflightTracker{pending: make(map[string]string)}
}

// ObserveClientMessage records a client->server request id. Messages
// without an id (notifications) are ignored.
func (t *InflightTracker) ObserveClientMessage(obj map[string]any) {
	if obj == nil {
		return
	}
	method, _ := obj["method"].(string)
	if method == "" {
		return
	}
	id, ok := obj["id"]
	if !ok || id == nil {
		return
	}
	key := canonicalID(id)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[key]; !exists {
		t.order = append(t.order, key)
	}
	t.pending[key] = method
}

// ObserveServerMessage clears the in-flight entry once the child
// answered it.
func (t *InflightTracker) ObserveServerMessage(obj map[string]any) {
	if obj == nil {
		return
	}
	if _, isReq := obj["method"]; isReq {
		return
	}
	id, ok := obj["id"]
	if !ok || id == nil {
		return
	}
	key := canonicalID(id)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[key]; exists {
		delete(t.pending, key)
		for i, k := range t.order {
			if k == key {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
}

// PendingIDs returns the raw JSON encodings of all in-flight ids in
// arrival order.
func (t *InflightTracker) PendingIDs() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]json.RawMessage, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, json.RawMessage(key))
	}
	return out
}

// Len returns the number of in-flight requests.
func (t *InflightTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// canonicalID renders an id value back to its JSON encoding so
// integer, string and other id types stay distinct.
func canonicalID(id any) string {
	raw, err := json.Marshal(id)
	if err != nil {
		return "null"
	}
	return string(raw)
}
