// Package sqlite provides the durable, disk-backed packet store. It owns
// exactly one SQLite connection and serializes every operation behind a
// single mutex: the backend does not support concurrent reads and writes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/netsentry/netsentry/pkg/model"
	"github.com/netsentry/netsentry/pkg/store"
)

// schemaVersion is recorded in the metadata table on Initialize.
const schemaVersion = 1

// insertChunkSize is the number of rows bound into one INSERT statement.
// Cancellation is checked at chunk boundaries, not mid-chunk.
const insertChunkSize = 1000

const packetColumns = `frame_number, timestamp_ns, length, src_ip, dst_ip,
	src_port, dst_port, protocol, app_protocol, info`

// Store is the persistent PacketStore backed by a single SQLite file.
// The zero value is usable; call Initialize before anything else.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

var _ store.PacketStore = (*Store)(nil)

// New returns an uninitialized persistent store.
func New() *Store {
	return &Store{}
}

// Initialize opens the database at path, creating the parent directory
// and schema if absent. Re-initializing disposes the prior connection.
func (s *Store) Initialize(path string) error {
	if path == "" {
		return store.ErrEmptyPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		s.db.Close()
		s.db = nil
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}

	// Single connection; all access is serialized through s.mu anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		db.Close()
		return fmt.Errorf("init schema: %w", err)
	}

	s.db = db
	s.path = path
	return nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS packets (
	frame_number INTEGER NOT NULL,
	timestamp_ns INTEGER NOT NULL,
	length       INTEGER NOT NULL,
	src_ip       TEXT NOT NULL,
	dst_ip       TEXT NOT NULL,
	src_port     INTEGER NOT NULL,
	dst_port     INTEGER NOT NULL,
	protocol     TEXT NOT NULL,
	app_protocol TEXT,
	info         TEXT
);

CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS flows (
	src_ip        TEXT NOT NULL,
	dst_ip        TEXT NOT NULL,
	src_port      INTEGER NOT NULL,
	dst_port      INTEGER NOT NULL,
	protocol      TEXT NOT NULL,
	packet_count  INTEGER NOT NULL,
	byte_count    INTEGER NOT NULL,
	first_seen_ns INTEGER NOT NULL,
	last_seen_ns  INTEGER NOT NULL
);

-- Frame numbers carry no uniqueness constraint: duplicates are expected
-- and tolerated; duplicate detection lives downstream.
CREATE INDEX IF NOT EXISTS idx_packets_frame ON packets(frame_number);
CREATE INDEX IF NOT EXISTS idx_packets_timestamp ON packets(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_packets_src_ip ON packets(src_ip);
CREATE INDEX IF NOT EXISTS idx_packets_dst_ip ON packets(dst_ip);
CREATE INDEX IF NOT EXISTS idx_packets_protocol ON packets(protocol);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	_, err := db.Exec(`INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?), (?, ?), (?, ?)`,
		"schema_version", fmt.Sprintf("%d", schemaVersion),
		"session_id", uuid.NewString(),
		"created_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Close releases the connection. Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// InsertPackets appends records in chunks of insertChunkSize rows per
// statement inside one transaction. Payload bytes are never stored.
func (s *Store) InsertPackets(ctx context.Context, records []model.PacketRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return store.ErrNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}

	for start := 0; start < len(records); start += insertChunkSize {
		// Cooperative cancellation between chunks only.
		select {
		case <-ctx.Done():
			tx.Rollback()
			return ctx.Err()
		default:
		}

		end := start + insertChunkSize
		if end > len(records) {
			end = len(records)
		}
		if err := insertChunk(ctx, tx, records[start:end]); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert packets: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func insertChunk(ctx context.Context, tx *sql.Tx, chunk []model.PacketRecord) error {
	var sb strings.Builder
	sb.WriteString("INSERT INTO packets (" + packetColumns + ") VALUES ")

	args := make([]any, 0, len(chunk)*10)
	for i, p := range chunk {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			int64(p.FrameNumber), p.Timestamp.UTC().UnixNano(), p.Length,
			p.SrcIP, p.DstIP, p.SrcPort, p.DstPort,
			p.Protocol.String(), p.AppProtocol, p.Info,
		)
	}

	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

// InsertFlows appends flow rows one at a time inside one transaction.
// Prior rows are not cleared; callers wanting a fresh snapshot Clear first.
func (s *Store) InsertFlows(ctx context.Context, flows []model.FlowRecord) error {
	if len(flows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return store.ErrNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO flows (
		src_ip, dst_ip, src_port, dst_port, protocol,
		packet_count, byte_count, first_seen_ns, last_seen_ns
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare flow insert: %w", err)
	}
	defer stmt.Close()

	for i := range flows {
		select {
		case <-ctx.Done():
			tx.Rollback()
			return ctx.Err()
		default:
		}

		f := &flows[i]
		if _, err := stmt.ExecContext(ctx,
			f.SrcIP, f.DstIP, f.SrcPort, f.DstPort, f.Protocol.String(),
			f.PacketCount, f.ByteCount,
			f.FirstSeen.UTC().UnixNano(), f.LastSeen.UTC().UnixNano(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert flow: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// QueryPackets translates the filter to SQL, computes the requested
// summary aggregates, and fetches one page ordered by frame number.
func (s *Store) QueryPackets(ctx context.Context, q *store.PacketQuery) (*store.PacketQueryResult, error) {
	if q == nil {
		return nil, store.ErrNilQuery
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, store.ErrNotInitialized
	}

	where, args, err := translateFilter(q.Filter)
	if err != nil {
		return nil, err
	}
	clause := ""
	if where != "" {
		clause = " WHERE " + where
	}

	page, size := q.Bounds()
	result := &store.PacketQueryResult{}

	if q.IncludeSummary {
		row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM packets"+clause, args...)
		if err := row.Scan(&result.TotalCount); err != nil {
			return nil, fmt.Errorf("count packets: %w", err)
		}

		if result.TotalCount > 0 {
			var minNS, maxNS sql.NullInt64
			row = s.db.QueryRowContext(ctx,
				"SELECT COALESCE(SUM(length), 0), MIN(timestamp_ns), MAX(timestamp_ns) FROM packets"+clause,
				args...)
			if err := row.Scan(&result.TotalBytes, &minNS, &maxNS); err != nil {
				return nil, fmt.Errorf("aggregate packets: %w", err)
			}
			if minNS.Valid && maxNS.Valid {
				first := time.Unix(0, minNS.Int64).UTC()
				last := time.Unix(0, maxNS.Int64).UTC()
				result.FirstTimestamp = &first
				result.LastTimestamp = &last
			}

			threat, threatArgs := threatCondition()
			threatQuery := "SELECT COUNT(*) FROM packets"
			if where != "" {
				threatQuery += " WHERE " + where + " AND " + threat
			} else {
				threatQuery += " WHERE " + threat
			}
			row = s.db.QueryRowContext(ctx, threatQuery, append(append([]any{}, args...), threatArgs...)...)
			if err := row.Scan(&result.ThreatCount); err != nil {
				return nil, fmt.Errorf("count threats: %w", err)
			}

			// Clamp to the last valid page instead of returning an
			// empty page for out-of-range requests.
			lastPage := int((result.TotalCount + int64(size) - 1) / int64(size))
			if page > lastPage {
				page = lastPage
			}
		} else {
			page = 1
		}
	}

	if q.IncludePackets {
		order := "ASC"
		if q.Sort == store.SortDescending {
			order = "DESC"
		}
		offset := (page - 1) * size
		if offset < 0 {
			offset = 0
		}

		sel := "SELECT " + packetColumns + " FROM packets" + clause +
			" ORDER BY frame_number " + order + " LIMIT ? OFFSET ?"
		rows, err := s.db.QueryContext(ctx, sel, append(append([]any{}, args...), size, offset)...)
		if err != nil {
			return nil, fmt.Errorf("query packets: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanPacket(rows)
			if err != nil {
				return nil, fmt.Errorf("scan packet: %w", err)
			}
			result.Packets = append(result.Packets, rec)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query packets: %w", err)
		}
	}

	return result, nil
}

func scanPacket(rows *sql.Rows) (model.PacketRecord, error) {
	var rec model.PacketRecord
	var frame, tsNS int64
	var protocol string
	var appProto, info sql.NullString

	if err := rows.Scan(&frame, &tsNS, &rec.Length, &rec.SrcIP, &rec.DstIP,
		&rec.SrcPort, &rec.DstPort, &protocol, &appProto, &info); err != nil {
		return rec, err
	}

	rec.FrameNumber = uint64(frame)
	rec.Timestamp = time.Unix(0, tsNS).UTC()
	rec.Protocol = model.ParseProtocol(protocol)
	rec.AppProtocol = appProto.String
	rec.Info = info.String
	return rec, nil
}

// Clear deletes all packet and flow rows. A no-op if never initialized.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM packets"); err != nil {
		return fmt.Errorf("clear packets: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM flows"); err != nil {
		return fmt.Errorf("clear flows: %w", err)
	}
	return nil
}

// FrameDiagnostics reports row count and frame number bounds for
// integrity checks. Not part of the steady-state query path.
type FrameDiagnostics struct {
	RowCount int64
	MinFrame uint64
	MaxFrame uint64
}

// GetFrameNumberDiagnostics returns packet row count and min/max frame
// number.
func (s *Store) GetFrameNumberDiagnostics(ctx context.Context) (*FrameDiagnostics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, store.ErrNotInitialized
	}

	var d FrameDiagnostics
	var minFrame, maxFrame sql.NullInt64
	row := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(frame_number), MAX(frame_number) FROM packets")
	if err := row.Scan(&d.RowCount, &minFrame, &maxFrame); err != nil {
		return nil, fmt.Errorf("frame diagnostics: %w", err)
	}
	d.MinFrame = uint64(minFrame.Int64)
	d.MaxFrame = uint64(maxFrame.Int64)
	return &d, nil
}
