// Package cancellation suppresses late results of superseded session
// work. When the controller switches sessions, in-flight operations
// started under the old session must not mutate state when they land.
package cancellation

import (
	"fmt"
	"strings"
	"sync"
)

// Fence hands out a generation per session and rejects results from
// older generations. Explicitly fenced operations are rejected even
// within the current generation.
type Fence struct {
	mu          sync.Mutex
	generations map[string]uint64
	fenced      map[string]bool
}

// NewFence returns an empty fence.
func NewFence() *Fence {
	return &Fence{generations: map[string]uint64{}, fenced: map[string]bool{}}
}

// Generation returns the current generation for the session.
func (f *Fence) Generation(sessionID string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generations[strings.TrimSpace(sessionID)]
}

// Advance invalidates all outstanding work for the session and returns
// the new generation.
func (f *Fence) Advance(sessionID string) uint64 {
	key := strings.TrimSpace(sessionID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generations[key]++
	return f.generations[key]
}

// Stale reports whether a result started at gen has been superseded.
func (f *Fence) Stale(sessionID string, gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generations[strings.TrimSpace(sessionID)] != gen
}

// Accept marks one operation as fenced.
func (f *Fence) Accept(sessionID, opID string) error {
	key, err := opKey(sessionID, opID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fenced[key] = true
	return nil
}

// IsFenced reports whether the operation's result must be dropped.
func (f *Fence) IsFenced(sessionID, opID string) bool {
	key, err := opKey(sessionID, opID)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fenced[key]
}

// Forget drops fenced markers for a session once it is torn down.
func (f *Fence) Forget(sessionID string) {
	prefix := strings.TrimSpace(sessionID) + "/"
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.fenced {
		if strings.HasPrefix(key, prefix) {
			delete(f.fenced, key)
		}
	}
	delete(f.generations, strings.TrimSpace(sessionID))
}

func opKey(sessionID, opID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	opID = strings.TrimSpace(opID)
	if sessionID == "" || opID == "" {
		return "", fmt.Errorf("session_id and op_id are required")
	}
	return sessionID + "/" + opID, nil
}
