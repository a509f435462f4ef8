// Package memory provides the RAM-resident packet store. It trades
// durability for ingest throughput: a reader/writer lock allows concurrent
// queries against exclusive inserts, and unfiltered summary queries are
// answered from running totals maintained on every insert.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/netsentry/netsentry/pkg/model"
	"github.com/netsentry/netsentry/pkg/store"
)

// Store is the volatile PacketStore. The zero value is ready to use;
// Initialize exists to satisfy the store contract and is a no-op.
type Store struct {
	mu      sync.RWMutex
	packets []model.PacketRecord
	flows   []model.FlowRecord

	// Running totals over all held packets, updated on insert so an
	// unfiltered summary never rescans the whole sequence.
	totalBytes  int64
	threatCount int64
	firstTS     time.Time
	lastTS      time.Time
}

var _ store.PacketStore = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{}
}

// Initialize is a no-op: there is no backing file.
func (s *Store) Initialize(path string) error {
	return nil
}

// Close is a no-op and safe to call multiple times.
func (s *Store) Close() error {
	return nil
}

// InsertPackets appends records and updates the running totals. The input
// is materialized into an owned copy before the write lock is taken to
// bound lock-held time.
func (s *Store) InsertPackets(ctx context.Context, records []model.PacketRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	owned := make([]model.PacketRecord, len(records))
	copy(owned, records)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.packets = append(s.packets, owned...)
	for i := range owned {
		p := &owned[i]
		s.totalBytes += int64(p.Length)
		if model.IsThreat(p) {
			s.threatCount++
		}
		if s.firstTS.IsZero() || p.Timestamp.Before(s.firstTS) {
			s.firstTS = p.Timestamp
		}
		if s.lastTS.IsZero() || p.Timestamp.After(s.lastTS) {
			s.lastTS = p.Timestamp
		}
	}
	return nil
}

// InsertFlows replaces the held flow snapshot with the given one.
func (s *Store) InsertFlows(ctx context.Context, flows []model.FlowRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	owned := make([]model.FlowRecord, len(flows))
	copy(owned, flows)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = owned
	return nil
}

// Flows returns a copy of the current flow snapshot.
func (s *Store) Flows() []model.FlowRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.FlowRecord, len(s.flows))
	copy(out, s.flows)
	return out
}

// QueryPackets evaluates the filter with filter.Matches under a shared
// lock and assembles one page. Summary values come from the running
// totals when the filter is empty, or from a scan of the filtered set
// otherwise.
func (s *Store) QueryPackets(ctx context.Context, q *store.PacketQuery) (*store.PacketQueryResult, error) {
	if q == nil {
		return nil, store.ErrNilQuery
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page, size := q.Bounds()
	result := &store.PacketQueryResult{}

	s.mu.RLock()
	defer s.mu.RUnlock()

	working := s.packets
	filtered := q.Filter != nil && !q.Filter.IsEmpty()
	if filtered {
		working = make([]model.PacketRecord, 0)
		for i := range s.packets {
			if q.Filter.Matches(&s.packets[i]) {
				working = append(working, s.packets[i])
			}
		}
	}

	if q.IncludeSummary {
		result.TotalCount = int64(len(working))
		if !filtered {
			result.TotalBytes = s.totalBytes
			result.ThreatCount = s.threatCount
			if result.TotalCount > 0 {
				first, last := s.firstTS, s.lastTS
				result.FirstTimestamp = &first
				result.LastTimestamp = &last
			}
		} else if result.TotalCount > 0 {
			var first, last time.Time
			for i := range working {
				p := &working[i]
				result.TotalBytes += int64(p.Length)
				if model.IsThreat(p) {
					result.ThreatCount++
				}
				if first.IsZero() || p.Timestamp.Before(first) {
					first = p.Timestamp
				}
				if last.IsZero() || p.Timestamp.After(last) {
					last = p.Timestamp
				}
			}
			result.FirstTimestamp = &first
			result.LastTimestamp = &last
		}

		if result.TotalCount > 0 {
			lastPage := int((result.TotalCount + int64(size) - 1) / int64(size))
			if page > lastPage {
				page = lastPage
			}
		} else {
			page = 1
		}
	}

	if q.IncludePackets {
		result.Packets = pageSlice(working, page, size, q.Sort)
	}

	return result, nil
}

// pageSlice extracts one page as an independent copy. Ascending pages are
// contiguous from the head; descending pages are taken from the tail so
// page 1 descending holds the newest records, newest first.
func pageSlice(records []model.PacketRecord, page, size int, sort store.SortDirection) []model.PacketRecord {
	n := len(records)
	if n == 0 {
		return nil
	}

	if sort == store.SortDescending {
		end := n - (page-1)*size
		if end <= 0 {
			return nil
		}
		start := end - size
		if start < 0 {
			start = 0
		}
		out := make([]model.PacketRecord, 0, end-start)
		for i := end - 1; i >= start; i-- {
			out = append(out, records[i])
		}
		return out
	}

	start := (page - 1) * size
	if start >= n {
		return nil
	}
	end := start + size
	if end > n {
		end = n
	}
	out := make([]model.PacketRecord, end-start)
	copy(out, records[start:end])
	return out
}

// Clear resets all sequences and running totals.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.packets = nil
	s.flows = nil
	s.totalBytes = 0
	s.threatCount = 0
	s.firstTS = time.Time{}
	s.lastTS = time.Time{}
	return nil
}
