package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Entry is a session tracked by the registry.
type Entry interface {
	// KillSession must eventually lead to Unregister being called.
	KillSession()
}

// Registry tracks the live IKE sessions of the process so they can be torn
// down together. It's safe for concurrent use.
type Registry struct {
	log *logrus.Entry

	mu       sync.Mutex
	sessions map[string]Entry
	empty    chan struct{}
}

func New(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		log:      log,
		sessions: make(map[string]Entry),
	}
}

// Register adds s and returns the ID it's known by.
func (r *Registry) Register(s Entry) string {
	id := uuid.New().String()
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	r.log.Debugf("Session %s registered", id)
	return id
}

// Unregister is idempotent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	r.log.Debugf("Session %s unregistered", id)
	if len(r.sessions) == 0 && r.empty != nil {
		close(r.empty)
		r.empty = nil
	}
}

func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown kills every registered session and waits until all of them have
// unregistered or ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if len(r.sessions) == 0 {
		r.mu.Unlock()
		return nil
	}
	if r.empty == nil {
		r.empty = make(chan struct{})
	}
	done := r.empty
	live := make([]Entry, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	r.log.Infof("Killing %d sessions", len(live))
	for _, s := range live {
		s.KillSession()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.log.Warnf("%d sessions still alive at shutdown", r.Len())
		return ctx.Err()
	}
}
