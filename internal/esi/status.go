package esi

import (
	"errors"
	"sync"
	"time"
)

// CallState is the lifecycle of one tracked endpoint call.
type CallState string

const (
	CallIdle    CallState = "idle"
	CallRunning CallState = "running"
	CallSuccess CallState = "success"
	CallError   CallState = "error"
)

// CallStatus is what the UI sees for one endpoint.
type CallStatus struct {
	Endpoint     string    `json:"endpoint"`
	State        CallState `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	ResponseSize int       `json:"response_size,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	HTTPStatus   int       `json:"http_status,omitempty"`
}

// StatusTracker records per-endpoint call state for the UI.
// Keys are free-form, typically "characterID:endpoint".
type StatusTracker struct {
	mu    sync.RWMutex
	calls map[string]*CallStatus
}

// NewStatusTracker creates an empty tracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{calls: make(map[string]*CallStatus)}
}

// Start marks an endpoint call as in flight.
func (t *StatusTracker) Start(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.calls[key] = &CallStatus{
		Endpoint:  key,
		State:     CallRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Success records a completed call with its cache expiry and payload size.
func (t *StatusTracker) Success(key string, expiresAt time.Time, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.calls[key]
	if s == nil {
		s = &CallStatus{Endpoint: key}
		t.calls[key] = s
	}
	s.State = CallSuccess
	s.UpdatedAt = time.Now()
	s.ExpiresAt = expiresAt
	s.ResponseSize = size
	s.ErrorKind = ""
	s.HTTPStatus = 0
}

// Error records a failed call.
func (t *StatusTracker) Error(key string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.calls[key]
	if s == nil {
		s = &CallStatus{Endpoint: key}
		t.calls[key] = s
	}
	s.State = CallError
	s.UpdatedAt = time.Now()
	s.ErrorKind = Kind(err)
	var se *StatusError
	if errors.As(err, &se) {
		s.HTTPStatus = se.Code
	} else {
		s.HTTPStatus = 0
	}
}

// Snapshot returns a copy of all tracked calls.
func (t *StatusTracker) Snapshot() []CallStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]CallStatus, 0, len(t.calls))
	for _, s := range t.calls {
		out = append(out, *s)
	}
	return out
}

// Get returns the status for one key, zero value if never tracked.
func (t *StatusTracker) Get(key string) (CallStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.calls[key]; ok {
		return *s, true
	}
	return CallStatus{}, false
}
