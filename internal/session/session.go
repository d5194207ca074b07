// Package session decides when a new logical proxy session begins.
package session

import "time"

// Session is one logical run of requests against a single model.
type Session struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// ShouldAutoCreate reports whether a request for (detectedProvider,
// detectedModel) starts a new session. A model change starts one; a
// provider-only change does not.
func ShouldAutoCreate(detectedProvider, detectedModel string, current *Session) bool {
	_ = detectedProvider

	if current == nil {
		return true
	}
	return current.Model != detectedModel
}
