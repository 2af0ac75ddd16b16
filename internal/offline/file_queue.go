package offline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"example.com/greenhouse/pos/internal/models"

	"github.com/pkg/errors"
)

const queueFileName = "offline-invoices.json"

// FileQueue is a Queue persisted as a single JSON file under the terminal's
// data directory. Writes go through a temp file and rename so a power cut
// mid-write cannot corrupt the queue.
type FileQueue struct {
	mu   sync.Mutex
	path string
}

type fileState struct {
	Entries  []Entry    `json:"entries"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

// NewFileQueue opens (or creates) the queue file under dataDir
func NewFileQueue(dataDir string) (*FileQueue, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create offline data directory")
	}
	q := &FileQueue{path: filepath.Join(dataDir, queueFileName)}
	if _, err := os.Stat(q.path); os.IsNotExist(err) {
		if err := q.save(&fileState{Entries: []Entry{}}); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (q *FileQueue) load() (*fileState, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read offline queue file")
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.Wrap(err, "failed to parse offline queue file")
	}
	return &st, nil
}

func (q *FileQueue) save(st *fileState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal offline queue")
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write offline queue file")
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return errors.Wrap(err, "failed to replace offline queue file")
	}
	return nil
}

func (q *FileQueue) mutate(localID string, fn func(e *Entry)) error {
	st, err := q.load()
	if err != nil {
		return err
	}
	for i := range st.Entries {
		if st.Entries[i].LocalID == localID {
			fn(&st.Entries[i])
			return q.save(st)
		}
	}
	return errors.Errorf("entry %s not found", localID)
}

// Enqueue stores a payload for later sync
func (q *FileQueue) Enqueue(payload models.InvoiceRequest, terminalUUID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, err := q.load()
	if err != nil {
		return "", err
	}
	entry := Entry{
		LocalID:      NewLocalID(),
		TerminalUUID: terminalUUID,
		Payload:      payload,
		CreatedAt:    time.Now(),
	}
	st.Entries = append(st.Entries, entry)
	if err := q.save(st); err != nil {
		return "", err
	}
	return entry.LocalID, nil
}

// Pending returns entries still eligible for sync, oldest first
func (q *FileQueue) Pending() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, err := q.load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range st.Entries {
		if e.Synced || e.Permanent || e.Abandoned {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkSynced records a successful sync and merges server fields
func (q *FileQueue) MarkSynced(localID string, serverID int, serverInvoiceNo string, serverCreatedAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.mutate(localID, func(e *Entry) {
		now := time.Now()
		e.Synced = true
		e.SyncedAt = &now
		e.ServerID = serverID
		e.ServerInvoiceNo = serverInvoiceNo
		e.ServerCreatedAt = serverCreatedAt
		e.SyncError = ""
	})
}

// RecordAttempt bumps the attempt counter and stores the error
func (q *FileQueue) RecordAttempt(localID string, syncErr string, permanent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.mutate(localID, func(e *Entry) {
		now := time.Now()
		e.SyncAttempts++
		e.LastSyncAttempt = &now
		e.SyncError = syncErr
		if permanent {
			e.Permanent = true
		}
	})
}

// MarkAbandoned withdraws an entry that hit the retry ceiling
func (q *FileQueue) MarkAbandoned(localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.mutate(localID, func(e *Entry) {
		e.Abandoned = true
	})
}

// SetLastSync records when a sync pass finished
func (q *FileQueue) SetLastSync(t time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, err := q.load()
	if err != nil {
		return err
	}
	st.LastSync = &t
	return q.save(st)
}

// CleanupSynced deletes synced entries older than the threshold
func (q *FileQueue) CleanupSynced(olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, err := q.load()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	kept := st.Entries[:0]
	removed := 0
	for _, e := range st.Entries {
		if e.Synced && e.SyncedAt != nil && e.SyncedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	st.Entries = kept
	if removed > 0 {
		if err := q.save(st); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

// Stats summarizes queue contents
func (q *FileQueue) Stats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, err := q.load()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{LastSync: st.LastSync}
	for _, e := range st.Entries {
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
