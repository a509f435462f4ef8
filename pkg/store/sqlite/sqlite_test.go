package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/netsentry/netsentry/pkg/filter"
	"github.com/netsentry/netsentry/pkg/model"
	"github.com/netsentry/netsentry/pkg/store"
	"github.com/netsentry/netsentry/pkg/store/memory"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func scenarioPackets() []model.PacketRecord {
	return []model.PacketRecord{
		{FrameNumber: 1, Timestamp: baseTime, Length: 64,
			SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Protocol: model.ProtocolICMP},
		{FrameNumber: 2, Timestamp: baseTime.Add(time.Second), Length: 128,
			SrcIP: "10.0.0.3", DstIP: "10.0.0.4", SrcPort: 50000, DstPort: 445,
			Protocol: model.ProtocolTCP},
		{FrameNumber: 3, Timestamp: baseTime.Add(2 * time.Second), Length: 512,
			SrcIP: "10.0.0.5", DstIP: "10.0.0.6", SrcPort: 50001, DstPort: 80,
			Protocol: model.ProtocolTCP, Info: "normal"},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	if err := s.Initialize(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newPopulated(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t)
	if err := s.InsertPackets(context.Background(), scenarioPackets()); err != nil {
		t.Fatalf("InsertPackets: %v", err)
	}
	return s
}

func TestOperationsBeforeInitialize(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.InsertPackets(ctx, scenarioPackets()); !errors.Is(err, store.ErrNotInitialized) {
		t.Errorf("InsertPackets = %v, want ErrNotInitialized", err)
	}
	if _, err := s.QueryPackets(ctx, &store.PacketQuery{PageSize: 1}); !errors.Is(err, store.ErrNotInitialized) {
		t.Errorf("QueryPackets = %v, want ErrNotInitialized", err)
	}
	if _, err := s.GetFrameNumberDiagnostics(ctx); !errors.Is(err, store.ErrNotInitialized) {
		t.Errorf("GetFrameNumberDiagnostics = %v, want ErrNotInitialized", err)
	}
	// Clear before Initialize is an explicit no-op.
	if err := s.Clear(ctx); err != nil {
		t.Errorf("Clear = %v, want nil", err)
	}
}

func TestInitializeEmptyPath(t *testing.T) {
	if err := New().Initialize(""); !errors.Is(err, store.ErrEmptyPath) {
		t.Errorf("Initialize(\"\") = %v, want ErrEmptyPath", err)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	s := New()
	path := filepath.Join(t.TempDir(), "sub", "dir", "test.db")

	if err := s.Initialize(path); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	if err := s.InsertPackets(context.Background(), scenarioPackets()); err != nil {
		t.Fatal(err)
	}
	// Re-initialize disposes the prior connection and keeps the data.
	if err := s.Initialize(path); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	defer s.Close()

	res, err := s.QueryPackets(context.Background(), &store.PacketQuery{
		PageSize: 10, IncludeSummary: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount != 3 {
		t.Errorf("TotalCount after re-initialize = %d, want 3", res.TotalCount)
	}
}

func TestCloseIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestSummaryScenario(t *testing.T) {
	s := newPopulated(t)

	res, err := s.QueryPackets(context.Background(), &store.PacketQuery{
		PageSize:       10,
		IncludeSummary: true,
		IncludePackets: true,
	})
	if err != nil {
		t.Fatalf("QueryPackets: %v", err)
	}

	if res.TotalCount != 3 {
		t.Errorf("TotalCount = %d, want 3", res.TotalCount)
	}
	if res.TotalBytes != 704 {
		t.Errorf("TotalBytes = %d, want 704", res.TotalBytes)
	}
	if res.ThreatCount != 2 {
		t.Errorf("ThreatCount = %d, want 2", res.ThreatCount)
	}
	if res.FirstTimestamp == nil || !res.FirstTimestamp.Equal(baseTime) {
		t.Errorf("FirstTimestamp = %v, want %v", res.FirstTimestamp, baseTime)
	}
	if res.LastTimestamp == nil || !res.LastTimestamp.Equal(baseTime.Add(2*time.Second)) {
		t.Errorf("LastTimestamp = %v", res.LastTimestamp)
	}
	if len(res.Packets) != 3 {
		t.Errorf("len(Packets) = %d, want 3", len(res.Packets))
	}
}

func TestUnsupportedFilters(t *testing.T) {
	s := newPopulated(t)
	ctx := context.Background()

	opaque := &filter.PacketFilter{Custom: func(*model.PacketRecord) bool { return true }}
	if _, err := s.QueryPackets(ctx, &store.PacketQuery{Filter: opaque, PageSize: 1}); !errors.Is(err, store.ErrUnsupportedFilter) {
		t.Errorf("opaque filter = %v, want ErrUnsupportedFilter", err)
	}

	composite := &filter.PacketFilter{
		Combined: []*filter.PacketFilter{{Protocol: model.ProtocolTCP}},
	}
	if _, err := s.QueryPackets(ctx, &store.PacketQuery{Filter: composite, PageSize: 1}); !errors.Is(err, store.ErrUnsupportedFilter) {
		t.Errorf("composite filter = %v, want ErrUnsupportedFilter", err)
	}
}

func TestNilQuery(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.QueryPackets(context.Background(), nil); !errors.Is(err, store.ErrNilQuery) {
		t.Errorf("QueryPackets(nil) = %v, want ErrNilQuery", err)
	}
}

func TestPageClamping(t *testing.T) {
	s := newPopulated(t)

	res, err := s.QueryPackets(context.Background(), &store.PacketQuery{
		PageNumber:     99,
		PageSize:       2,
		IncludeSummary: true,
		IncludePackets: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Packets) != 1 || res.Packets[0].FrameNumber != 3 {
		t.Errorf("clamped page = %v, want last page [frame 3]", res.Packets)
	}
}

func TestDescendingPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := make([]model.PacketRecord, 4)
	for i := range records {
		records[i] = model.PacketRecord{
			FrameNumber: uint64(i + 1),
			Timestamp:   baseTime.Add(time.Duration(i) * time.Second),
			Length:      100,
			SrcIP:       "10.0.0.1",
			DstIP:       "10.0.0.2",
			Protocol:    model.ProtocolUDP,
		}
	}
	if err := s.InsertPackets(ctx, records); err != nil {
		t.Fatal(err)
	}

	desc, err := s.QueryPackets(ctx, &store.PacketQuery{
		PageNumber: 1, PageSize: 2,
		IncludeSummary: true, IncludePackets: true,
		Sort: store.SortDescending,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(desc.Packets) != 2 || desc.Packets[0].FrameNumber != 4 || desc.Packets[1].FrameNumber != 3 {
		t.Fatalf("desc page 1 frames = %v, want [4 3]", frameNumbers(desc.Packets))
	}

	ascLast, err := s.QueryPackets(ctx, &store.PacketQuery{
		PageNumber: 2, PageSize: 2,
		IncludeSummary: true, IncludePackets: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ascLast.Packets) != 2 ||
		ascLast.Packets[0].FrameNumber != desc.Packets[1].FrameNumber ||
		ascLast.Packets[1].FrameNumber != desc.Packets[0].FrameNumber {
		t.Errorf("asc last page %v should equal desc page 1 %v reversed",
			frameNumbers(ascLast.Packets), frameNumbers(desc.Packets))
	}
}

func TestClear(t *testing.T) {
	s := newPopulated(t)
	ctx := context.Background()

	if err := s.InsertFlows(ctx, []model.FlowRecord{{
		SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Protocol: model.ProtocolTCP,
		PacketCount: 3, ByteCount: 704, FirstSeen: baseTime, LastSeen: baseTime,
	}}); err != nil {
		t.Fatal(err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := s.QueryPackets(ctx, &store.PacketQuery{
		PageSize: 10, IncludeSummary: true, IncludePackets: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount != 0 || len(res.Packets) != 0 {
		t.Error("cleared store should report no matches")
	}
	if res.FirstTimestamp != nil || res.LastTimestamp != nil {
		t.Error("cleared store should report nil timestamps")
	}
}

func TestDuplicateFrameNumbersTolerated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []model.PacketRecord{
		{FrameNumber: 1, Timestamp: baseTime, Length: 10, SrcIP: "a", DstIP: "b", Protocol: model.ProtocolUDP},
		{FrameNumber: 1, Timestamp: baseTime, Length: 20, SrcIP: "a", DstIP: "b", Protocol: model.ProtocolUDP},
	}
	if err := s.InsertPackets(ctx, records); err != nil {
		t.Fatalf("duplicate frames rejected: %v", err)
	}

	d, err := s.GetFrameNumberDiagnostics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.RowCount != 2 || d.MinFrame != 1 || d.MaxFrame != 1 {
		t.Errorf("diagnostics = %+v, want 2 rows, frames 1..1", d)
	}
}

func TestUnknownProtocolDecodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := model.PacketRecord{
		FrameNumber: 1, Timestamp: baseTime, Length: 42,
		SrcIP: "10.0.0.1", DstIP: "10.0.0.2",
		Protocol: model.Protocol("GOPHER"),
	}
	if err := s.InsertPackets(ctx, []model.PacketRecord{rec}); err != nil {
		t.Fatal(err)
	}

	res, err := s.QueryPackets(ctx, &store.PacketQuery{PageSize: 1, IncludePackets: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Packets) != 1 || res.Packets[0].Protocol != model.ProtocolUnknown {
		t.Errorf("unknown protocol decoded as %v, want Unknown", res.Packets)
	}
}

func TestLargeBatchChunking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Spans three chunks.
	records := make([]model.PacketRecord, 2500)
	for i := range records {
		records[i] = model.PacketRecord{
			FrameNumber: uint64(i + 1),
			Timestamp:   baseTime.Add(time.Duration(i) * time.Millisecond),
			Length:      60,
			SrcIP:       "10.0.0.1",
			DstIP:       "10.0.0.2",
			Protocol:    model.ProtocolUDP,
		}
	}
	if err := s.InsertPackets(ctx, records); err != nil {
		t.Fatal(err)
	}

	res, err := s.QueryPackets(ctx, &store.PacketQuery{PageSize: 1, IncludeSummary: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount != 2500 {
		t.Errorf("TotalCount = %d, want 2500", res.TotalCount)
	}
}

func TestInsertCancelledBetweenChunks(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := make([]model.PacketRecord, 10)
	for i := range records {
		records[i] = model.PacketRecord{FrameNumber: uint64(i + 1), Timestamp: baseTime,
			SrcIP: "a", DstIP: "b", Protocol: model.ProtocolUDP}
	}
	if err := s.InsertPackets(ctx, records); !errors.Is(err, context.Canceled) {
		t.Errorf("InsertPackets = %v, want context.Canceled", err)
	}

	// Rollback must leave nothing behind.
	res, err := s.QueryPackets(context.Background(), &store.PacketQuery{PageSize: 1, IncludeSummary: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount != 0 {
		t.Errorf("TotalCount after cancelled insert = %d, want 0", res.TotalCount)
	}
}

// TestBackendEquivalence checks that both backends select the same match
// set and compute the same summary for every translatable filter shape.
func TestBackendEquivalence(t *testing.T) {
	ctx := context.Background()

	records := []model.PacketRecord{
		{FrameNumber: 1, Timestamp: baseTime, Length: 64,
			SrcIP: "192.168.1.1", DstIP: "10.0.0.2", SrcPort: 1234, DstPort: 80,
			Protocol: model.ProtocolHTTP, Info: "GET /index.html"},
		{FrameNumber: 2, Timestamp: baseTime.Add(time.Second), Length: 128,
			SrcIP: "192.168.1.7", DstIP: "10.255.0.1", SrcPort: 445, DstPort: 50000,
			Protocol: model.ProtocolTCP, Info: "SMB session"},
		{FrameNumber: 3, Timestamp: baseTime.Add(2 * time.Second), Length: 900,
			SrcIP: "10.1.2.3", DstIP: "192.168.1.1", SrcPort: 53, DstPort: 41000,
			Protocol: model.ProtocolDNS, Info: "Response: example.com A"},
		{FrameNumber: 4, Timestamp: baseTime.Add(3 * time.Second), Length: 72,
			SrcIP: "fe80::1", DstIP: "fe80::2",
			Protocol: model.ProtocolICMP, Info: "EchoRequest"},
		{FrameNumber: 5, Timestamp: baseTime.Add(4 * time.Second), Length: 333,
			SrcIP: "192.168.1.1", DstIP: "8.8.8.8", SrcPort: 8500, DstPort: 443,
			Protocol: model.ProtocolHTTPS, Info: "possible port SCAN detected"},
	}

	persistent := newTestStore(t)
	if err := persistent.InsertPackets(ctx, records); err != nil {
		t.Fatal(err)
	}
	volatile := memory.New()
	if err := volatile.InsertPackets(ctx, records); err != nil {
		t.Fatal(err)
	}

	filters := []struct {
		name string
		f    *filter.PacketFilter
	}{
		{"empty", &filter.PacketFilter{}},
		{"src glob", &filter.PacketFilter{SrcIPPattern: "192.168.*"}},
		{"src glob negated", &filter.PacketFilter{SrcIPPattern: "192.168.*", SrcIPNegate: true}},
		{"prefix form", &filter.PacketFilter{DstIPPattern: "10.0.0.0/8"}},
		{"prefix form sixteen", &filter.PacketFilter{SrcIPPattern: "192.168.0.0/16"}},
		{"exact ci", &filter.PacketFilter{SrcIPPattern: "FE80::1"}},
		{"question glob", &filter.PacketFilter{SrcIPPattern: "192.168.1.?"}},
		{"port list", &filter.PacketFilter{DstPortPattern: "80,443"}},
		{"port range", &filter.PacketFilter{SrcPortPattern: "8000-9000"}},
		{"port range reversed", &filter.PacketFilter{SrcPortPattern: "9000-8000"}},
		{"port negated", &filter.PacketFilter{DstPortPattern: "80", DstPortNegate: true}},
		{"port garbage", &filter.PacketFilter{SrcPortPattern: "junk"}},
		{"protocol eq", &filter.PacketFilter{Protocol: model.ProtocolTCP}},
		{"protocol neq", &filter.PacketFilter{Protocol: model.ProtocolTCP, ProtocolNegate: true}},
		{"length band", &filter.PacketFilter{MinLength: 100, MaxLength: 500}},
		{"time window", &filter.PacketFilter{
			StartTime: baseTime.Add(time.Second),
			EndTime:   baseTime.Add(3 * time.Second)}},
		{"info ci", &filter.PacketFilter{InfoContains: "scan"}},
		{"info ci upper pattern", &filter.PacketFilter{InfoContains: "SCAN"}},
		{"info negated", &filter.PacketFilter{InfoContains: "scan", InfoNegate: true}},
		{"combined fields", &filter.PacketFilter{
			SrcIPPattern: "192.168.*", DstPortPattern: "80,443", MinLength: 50}},
	}

	for _, tt := range filters {
		t.Run(tt.name, func(t *testing.T) {
			q := func() *store.PacketQuery {
				return &store.PacketQuery{
					Filter: tt.f, PageSize: 100,
					IncludeSummary: true, IncludePackets: true,
				}
			}
			pres, err := persistent.QueryPackets(ctx, q())
			if err != nil {
				t.Fatalf("persistent: %v", err)
			}
			mres, err := volatile.QueryPackets(ctx, q())
			if err != nil {
				t.Fatalf("memory: %v", err)
			}

			if pres.TotalCount != mres.TotalCount {
				t.Errorf("TotalCount: persistent=%d memory=%d", pres.TotalCount, mres.TotalCount)
			}
			if pres.TotalBytes != mres.TotalBytes {
				t.Errorf("TotalBytes: persistent=%d memory=%d", pres.TotalBytes, mres.TotalBytes)
			}
			if pres.ThreatCount != mres.ThreatCount {
				t.Errorf("ThreatCount: persistent=%d memory=%d", pres.ThreatCount, mres.ThreatCount)
			}

			pf, mf := frameNumbers(pres.Packets), frameNumbers(mres.Packets)
			if len(pf) != len(mf) {
				t.Fatalf("page sizes differ: persistent=%v memory=%v", pf, mf)
			}
			for i := range pf {
				if pf[i] != mf[i] {
					t.Fatalf("pages differ: persistent=%v memory=%v", pf, mf)
				}
			}
		})
	}
}

func frameNumbers(records []model.PacketRecord) []uint64 {
	out := make([]uint64, len(records))
	for i := range records {
		out[i] = records[i].FrameNumber
	}
	return out
}
