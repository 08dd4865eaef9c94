package collab

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/serroba/collabtext/internal/metrics"
	"github.com/serroba/collabtext/internal/storage"
	"github.com/serroba/collabtext/internal/textvalue"
	"github.com/serroba/collabtext/internal/ws"
)

// closeConcurrency bounds the final snapshots written at once on shutdown.
const closeConcurrency = 8

// Manager owns the open sessions, one per document.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	loads    singleflight.Group

	store          storage.Store
	hub            *ws.Hub
	snapshotPolicy *storage.SnapshotPolicy
	historySize    int
	compactRatio   float64
	fieldOpts      []textvalue.Option
}

// ManagerConfig holds configuration for creating a manager.
type ManagerConfig struct {
	Store          storage.Store
	Hub            *ws.Hub
	SnapshotPolicy *storage.SnapshotPolicy
	HistorySize    int
	CompactRatio   float64
	FieldOptions   []textvalue.Option
}

// NewManager creates a new session manager.
func NewManager(cfg ManagerConfig) *Manager {
	historySize := cfg.HistorySize
	if historySize == 0 {
		historySize = 100
	}

	return &Manager{
		sessions:       make(map[string]*Session),
		store:          cfg.Store,
		hub:            cfg.Hub,
		snapshotPolicy: cfg.SnapshotPolicy,
		historySize:    historySize,
		compactRatio:   cfg.CompactRatio,
		fieldOpts:      cfg.FieldOptions,
	}
}

// CreateDocument registers a new empty document.
func (m *Manager) CreateDocument(docID string) error {
	return m.store.CreateDocument(docID)
}

// DeleteDocument drops the document's session without a final snapshot
// and removes it from storage. mu stays held until the store delete
// returns so a concurrent load cannot register a session in between.
func (m *Manager) DeleteDocument(docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, exists := m.sessions[docID]; exists {
		delete(m.sessions, docID)
		metrics.OpenSessions.Dec()
		session.discard()
	}

	if m.snapshotPolicy != nil {
		m.snapshotPolicy.Forget(docID)
	}

	return m.store.DeleteDocument(docID)
}

// GetOrCreateSession returns the open session for docID, loading it from
// storage on first use. Concurrent callers for the same document share one
// load, and loads of different documents do not block each other.
// A document that was never created yields storage.ErrDocumentNotFound.
func (m *Manager) GetOrCreateSession(docID string) (*Session, error) {
	if session := m.GetSession(docID); session != nil {
		return session, nil
	}

	v, err, _ := m.loads.Do(docID, func() (any, error) {
		if session := m.GetSession(docID); session != nil {
			return session, nil
		}

		session := NewSession(SessionConfig{
			DocID:          docID,
			Store:          m.store,
			Hub:            m.hub,
			SnapshotPolicy: m.snapshotPolicy,
			HistorySize:    m.historySize,
			CompactRatio:   m.compactRatio,
			FieldOptions:   m.fieldOpts,
		})

		if err := session.Load(); err != nil {
			return nil, err
		}

		if err := m.register(docID, session); err != nil {
			return nil, err
		}

		metrics.OpenSessions.Inc()
		glog.Infof("doc %s: session opened at revision %d", docID, session.Revision())

		return session, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Session), nil
}

// register publishes a loaded session unless its document was deleted
// while it loaded.
func (m *Manager) register(docID string, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.store.DocumentExists(docID)
	if err == nil && !exists {
		err = storage.ErrDocumentNotFound
	}

	if err != nil {
		session.discard()

		return err
	}

	m.sessions[docID] = session

	return nil
}

// GetSession returns an existing session or nil if not found.
func (m *Manager) GetSession(docID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sessions[docID]
}

// CloseSession closes and removes a session.
func (m *Manager) CloseSession(docID string) error {
	m.mu.Lock()
	session, exists := m.sessions[docID]

	if !exists {
		m.mu.Unlock()

		return nil
	}

	delete(m.sessions, docID)
	metrics.OpenSessions.Dec()
	m.mu.Unlock()

	return session.Close()
}

// CloseAll closes every open session concurrently, writing final
// snapshots. It returns the joined close errors.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	metrics.OpenSessions.Sub(float64(len(sessions)))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	g.SetLimit(closeConcurrency)

	for docID, s := range sessions {
		g.Go(func() error {
			if err := s.Close(); err != nil {
				glog.Errorf("doc %s: close: %v", docID, err)

				mu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", docID, err))
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(errs...)
}

// SessionCount returns the number of active sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}

// Memory estimates the footprint of every open session.
func (m *Manager) Memory() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		n += s.Memory()
	}

	return n
}
