package offline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/greenhouse/pos/internal/models"

	"github.com/google/uuid"
)

// Entry is one invoice captured while the server was unreachable. The
// sync engine mutates its bookkeeping fields; the payload itself is
// immutable after enqueue.
type Entry struct {
	LocalID         string                `json:"local_id"`
	TerminalUUID    string                `json:"terminal_uuid"`
	Payload         models.InvoiceRequest `json:"payload"`
	CreatedAt       time.Time             `json:"created_at"`
	Synced          bool                  `json:"synced"`
	SyncedAt        *time.Time            `json:"synced_at,omitempty"`
	SyncAttempts    int                   `json:"sync_attempts"`
	LastSyncAttempt *time.Time            `json:"last_sync_attempt,omitempty"`
	SyncError       string                `json:"sync_error,omitempty"`
	// Permanent marks a 4xx rejection: the server judged the payload bad,
	// retrying cannot help, an operator has to look at it.
	Permanent bool `json:"permanent"`
	// Abandoned marks an entry that burned through the retry ceiling.
	Abandoned       bool      `json:"abandoned"`
	ServerID        int       `json:"server_id,omitempty"`
	ServerInvoiceNo string    `json:"server_invoice_no,omitempty"`
	ServerCreatedAt time.Time `json:"server_created_at,omitempty"`
}

// Stats summarizes queue contents
type Stats struct {
	Total     int        `json:"total"`
	Pending   int        `json:"pending"`
	Synced    int        `json:"synced"`
	Permanent int        `json:"permanent"`
	Abandoned int        `json:"abandoned"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
}

// Queue is the durable offline invoice buffer. One implementation per host
// environment; the sync engine is backend-agnostic.
type Queue interface {
	// Enqueue stores a payload for later sync and returns its local id
	Enqueue(payload models.InvoiceRequest, terminalUUID string) (string, error)
	// Pending returns entries still eligible for sync, oldest first
	Pending() ([]Entry, error)
	// MarkSynced records a successful sync and merges server fields
	MarkSynced(localID string, serverID int, serverInvoiceNo string, serverCreatedAt time.Time) error
	// RecordAttempt bumps the attempt counter and stores the error;
	// permanent entries are withdrawn from the retry pool
	RecordAttempt(localID string, syncErr string, permanent bool) error
	// MarkAbandoned withdraws an entry that hit the retry ceiling
	MarkAbandoned(localID string) error
	// SetLastSync records when a sync pass finished
	SetLastSync(t time.Time) error
	// CleanupSynced deletes synced entries older than the threshold and
	// returns how many were removed. It never touches unsynced entries.
	CleanupSynced(olderThan time.Duration) (int, error)
	// Stats summarizes queue contents
	Stats() (Stats, error)
}

// NewLocalID builds a locally unique entry id
func NewLocalID() string {
	return fmt.Sprintf("offline-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// MemoryQueue is an in-memory Queue for tests and ephemeral terminals
type MemoryQueue struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	lastSync *time.Time
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]*Entry)}
}

// Enqueue stores a payload for later sync
func (q *MemoryQueue) Enqueue(payload models.InvoiceRequest, terminalUUID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := &Entry{
		LocalID:      NewLocalID(),
		TerminalUUID: terminalUUID,
		Payload:      payload,
		CreatedAt:    time.Now(),
	}
	q.entries[entry.LocalID] = entry
	return entry.LocalID, nil
}

// Pending returns entries still eligible for sync, oldest first
func (q *MemoryQueue) Pending() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Entry
	for _, e := range q.entries {
		if e.Synced || e.Permanent || e.Abandoned {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkSynced records a successful sync and merges server fields
func (q *MemoryQueue) MarkSynced(localID string, serverID int, serverInvoiceNo string, serverCreatedAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[localID]
	if !ok {
		return fmt.Errorf("entry %s not found", localID)
	}
	now := time.Now()
	e.Synced = true
	e.SyncedAt = &now
	e.ServerID = serverID
	e.ServerInvoiceNo = serverInvoiceNo
	e.ServerCreatedAt = serverCreatedAt
	e.SyncError = ""
	return nil
}

// RecordAttempt bumps the attempt counter and stores the error
func (q *MemoryQueue) RecordAttempt(localID string, syncErr string, permanent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[localID]
	if !ok {
		return fmt.Errorf("entry %s not found", localID)
	}
	now := time.Now()
	e.SyncAttempts++
	e.LastSyncAttempt = &now
	e.SyncError = syncErr
	if permanent {
		e.Permanent = true
	}
	return nil
}

// MarkAbandoned withdraws an entry that hit the retry ceiling
func (q *MemoryQueue) MarkAbandoned(localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[localID]
	if !ok {
		return fmt.Errorf("entry %s not found", localID)
	}
	e.Abandoned = true
	return nil
}

// SetLastSync records when a sync pass finished
func (q *MemoryQueue) SetLastSync(t time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastSync = &t
	return nil
}

// CleanupSynced deletes synced entries older than the threshold
func (q *MemoryQueue) CleanupSynced(olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, e := range q.entries {
		if !e.Synced || e.SyncedAt == nil {
			continue
		}
		if e.SyncedAt.Before(cutoff) {
			delete(q.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Stats summarizes queue contents
func (q *MemoryQueue) Stats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{LastSync: q.lastSync}
	for _, e := range q.entries {
		s.Total++
		switch {
		case e.Synced:
			s.Synced++
		case e.Permanent:
			s.Permanent++
		case e.Abandoned:
			s.Abandoned++
		default:
			s.Pending++
		}
	}
	return s, nil
}

// Get returns one entry by local id; test and inspection helper
func (q *MemoryQueue) Get(localID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[localID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}
