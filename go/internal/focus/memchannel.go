package focus

import (
	"context"
	"sync"

	"github.com/mkove/focusdeck/go/internal/models"
)

// MemChannel is an in-memory RemoteSessionChannel. It backs standalone
// single-device deployments and the test suite. Change notifications are
// delivered synchronously from the writer's goroutine.
type MemChannel struct {
	mu      sync.Mutex
	current *models.FocusSession
	subs    map[int]func(*models.FocusSession)
	nextID  int
}

// NewMemChannel returns an empty in-memory channel.
func NewMemChannel() *MemChannel {
	return &MemChannel{subs: make(map[int]func(*models.FocusSession))}
}

func (m *MemChannel) FetchCurrent(ctx context.Context) (*models.FocusSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone(), nil
}

func (m *MemChannel) Save(ctx context.Context, session *models.FocusSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.current = session.Clone()
	subs := make([]func(*models.FocusSession), 0, len(m.subs))
	for _, cb := range m.subs {
		subs = append(subs, cb)
	}
	m.mu.Unlock()

	// Each subscriber gets its own copy so none can mutate shared state.
	for _, cb := range subs {
		cb(session.Clone())
	}
	return nil
}

func (m *MemChannel) Subscribe(cb func(*models.FocusSession)) (func(), error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}, nil
}

// Clear drops the stored record and notifies subscribers with nil.
func (m *MemChannel) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.current = nil
	subs := make([]func(*models.FocusSession), 0, len(m.subs))
	for _, cb := range m.subs {
		subs = append(subs, cb)
	}
	m.mu.Unlock()

	for _, cb := range subs {
		cb(nil)
	}
	return nil
}
