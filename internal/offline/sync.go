package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"example.com/greenhouse/pos/internal/metrics"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// MaxSyncAttempts is the retry ceiling per entry; beyond it the entry
	// is abandoned and surfaced to the operator
	MaxSyncAttempts = 5
)

// DefaultBackoff is the per-attempt wait schedule; attempts past the end
// reuse the last value
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// SyncResult summarizes one sync pass
type SyncResult struct {
	Synced    int
	Failed    int
	Skipped   int
	Abandoned int
}

// Syncer drains the offline queue against the central API. Entries are
// replayed sequentially and in capture order; the server's idempotency
// keys make redelivery after a lost response harmless.
type Syncer struct {
	queue       Queue
	monitor     *Monitor
	client      *http.Client
	serverURL   string
	authToken   string
	metrics     *metrics.Metrics
	backoff     []time.Duration
	maxAttempts int
	syncing     atomic.Bool
	now         func() time.Time
}

// NewSyncer wires a syncer over the queue and connectivity monitor
func NewSyncer(queue Queue, monitor *Monitor, serverURL, authToken string, requestTimeout time.Duration, m *metrics.Metrics) *Syncer {
	return &Syncer{
		queue:       queue,
		monitor:     monitor,
		client:      &http.Client{Timeout: requestTimeout},
		serverURL:   serverURL,
		authToken:   authToken,
		metrics:     m,
		backoff:     DefaultBackoff,
		maxAttempts: MaxSyncAttempts,
		now:         time.Now,
	}
}

// SetBackoff overrides the retry wait schedule
func (s *Syncer) SetBackoff(schedule []time.Duration) {
	s.backoff = schedule
}

// Run drives periodic sync passes until the context is cancelled. A pass
// also fires immediately when connectivity returns.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	s.monitor.OnOnline(func() {
		go s.SyncAll(ctx)
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

// SyncAll replays every eligible pending entry. Passes never overlap: a
// second caller returns immediately while one is in flight.
func (s *Syncer) SyncAll(ctx context.Context) SyncResult {
	if !s.syncing.CompareAndSwap(false, true) {
		return SyncResult{}
	}
	defer s.syncing.Store(false)

	if !s.monitor.IsOnline() {
		return SyncResult{}
	}

	pending, err := s.queue.Pending()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read offline queue")
		return SyncResult{}
	}
	if len(pending) == 0 {
		return SyncResult{}
	}

	log.Info().Int("pending", len(pending)).Msg("Starting offline sync pass")

	var result SyncResult
	for _, entry := range pending {
		if ctx.Err() != nil {
			break
		}
		if entry.SyncAttempts >= s.maxAttempts {
			if err := s.queue.MarkAbandoned(entry.LocalID); err != nil {
				log.Error().Err(err).Str("local_id", entry.LocalID).Msg("Failed to abandon entry")
			}
			log.Error().Str("local_id", entry.LocalID).Int("attempts", entry.SyncAttempts).Msg("Offline invoice abandoned after max sync attempts")
			s.metrics.IncrementCounter("offline_sync_abandoned")
			result.Abandoned++
			continue
		}
		if !s.eligible(entry) {
			result.Skipped++
			continue
		}

		if err := s.syncOne(ctx, entry); err != nil {
			log.Warn().Err(err).Str("local_id", entry.LocalID).Int("attempts", entry.SyncAttempts+1).Msg("Offline invoice sync failed")
			s.metrics.IncrementCounter("offline_sync_failed")
			result.Failed++
			continue
		}
		s.metrics.IncrementCounter("offline_sync_succeeded")
		result.Synced++
	}

	if err := s.queue.SetLastSync(s.now()); err != nil {
		log.Error().Err(err).Msg("Failed to record sync time")
	}
	log.Info().Int("synced", result.Synced).Int("failed", result.Failed).Int("abandoned", result.Abandoned).Msg("Offline sync pass complete")
	return result
}

// eligible applies the backoff schedule to an entry's attempt history
func (s *Syncer) eligible(e Entry) bool {
	if e.SyncAttempts == 0 || e.LastSyncAttempt == nil || len(s.backoff) == 0 {
		return true
	}
	idx := e.SyncAttempts - 1
	if idx >= len(s.backoff) {
		idx = len(s.backoff) - 1
	}
	return s.now().Sub(*e.LastSyncAttempt) >= s.backoff[idx]
}

type syncResponse struct {
	Note    string `json:"note"`
	Invoice struct {
		ID        int       `json:"id"`
		InvoiceNo string    `json:"invoice_no"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"invoice"`
}

func (s *Syncer) syncOne(ctx context.Context, entry Entry) error {
	payload := entry.Payload
	payload.OfflineCreated = true
	payload.OfflineID = entry.LocalID
	payload.TerminalUUID = entry.TerminalUUID

	body, err := json.Marshal(payload)
	if err != nil {
		s.recordFailure(entry, err.Error(), true)
		return errors.Wrap(err, "failed to marshal offline invoice")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/invoices", bytes.NewReader(body))
	if err != nil {
		s.recordFailure(entry, err.Error(), true)
		return errors.Wrap(err, "failed to build sync request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Timeouts, refused connections and DNS failures are transient:
		// the entry stays queued for the next pass
		s.recordFailure(entry, err.Error(), false)
		return errors.Wrap(err, "sync request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("server returned %d: %s", resp.StatusCode, string(data))
		// 4xx means the payload itself is bad; retrying cannot fix it
		permanent := resp.StatusCode < 500
		s.recordFailure(entry, msg, permanent)
		return errors.New(msg)
	}

	var sr syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		s.recordFailure(entry, err.Error(), false)
		return errors.Wrap(err, "failed to parse sync response")
	}

	if err := s.queue.MarkSynced(entry.LocalID, sr.Invoice.ID, sr.Invoice.InvoiceNo, sr.Invoice.CreatedAt); err != nil {
		return errors.Wrap(err, "failed to mark entry synced")
	}

	evt := log.Info().Str("local_id", entry.LocalID).Str("invoice_no", sr.Invoice.InvoiceNo)
	if sr.Note != "" {
		// The server had already recorded this invoice; the earlier
		// response was lost in transit
		evt = evt.Str("note", sr.Note)
	}
	evt.Msg("Offline invoice synced")
	return nil
}

func (s *Syncer) recordFailure(entry Entry, msg string, permanent bool) {
	if err := s.queue.RecordAttempt(entry.LocalID, msg, permanent); err != nil {
		log.Error().Err(err).Str("local_id", entry.LocalID).Msg("Failed to record sync attempt")
	}
}
