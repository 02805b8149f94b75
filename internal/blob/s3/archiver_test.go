package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/store/memory"
)

// memBlobs is an in-memory object store.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string][]byte)} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func seedLedger(t *testing.T, s domain.LedgerStore, start time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := domain.LedgerEntry{
			ID:        fmt.Sprintf("e%02d", i),
			Kind:      domain.OutcomeSkipped,
			CreatedAt: start.Add(time.Duration(i) * time.Hour),
		}
		if err := s.Append(context.Background(), e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestArchiveLedger_AdvancesCursor(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedgerStore()
	audit := memory.NewAuditStore()
	blobs := newMemBlobs()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedLedger(t, ledger, start, 6)

	a := NewLedgerArchiver(ledger, audit, blobs, blobs, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.ArchiveLedger(ctx, start.Add(3*time.Hour))
	if err != nil || n != 3 {
		t.Fatalf("first run = %d, %v; want 3", n, err)
	}
	obj := "ledger/2026/03/01/e00-e02.jsonl"
	body, ok := blobs.objects[obj]
	if !ok {
		t.Fatalf("missing %s; have %v", obj, keys(blobs.objects))
	}
	var lines []domain.LedgerEntry
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var e domain.LedgerEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 3 || lines[2].ID != "e02" {
		t.Errorf("archived lines = %+v", lines)
	}

	// Same cutoff again: nothing new.
	if n, _ := a.ArchiveLedger(ctx, start.Add(3*time.Hour)); n != 0 {
		t.Errorf("repeat run archived %d, want 0", n)
	}

	n, err = a.ArchiveLedger(ctx, start.Add(10*time.Hour))
	if err != nil || n != 3 {
		t.Fatalf("second run = %d, %v; want 3", n, err)
	}
	if _, ok := blobs.objects["ledger/2026/03/01/e03-e05.jsonl"]; !ok {
		t.Errorf("second object missing; have %v", keys(blobs.objects))
	}

	all, _ := ledger.List(ctx, domain.ListOpts{})
	if len(all) != 6 {
		t.Errorf("ledger has %d entries after archiving, want 6", len(all))
	}
}

func TestArchiveLedger_SkipsUploadedObject(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedgerStore()
	audit := memory.NewAuditStore()
	blobs := newMemBlobs()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedLedger(t, ledger, start, 2)

	// An earlier run uploaded but never recorded its cursor.
	blobs.objects["ledger/2026/03/01/e00-e01.jsonl"] = []byte("{}\n")

	a := NewLedgerArchiver(ledger, audit, blobs, blobs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := a.ArchiveLedger(ctx, start.Add(24*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("ArchiveLedger = %d, %v", n, err)
	}
	if blobs.puts != 0 {
		t.Errorf("puts = %d, want the existing object left alone", blobs.puts)
	}
	rows, _ := audit.List(ctx, domain.ListOpts{Event: domain.EventLedgerArchived})
	if len(rows) != 1 {
		t.Errorf("cursor rows = %d, want 1", len(rows))
	}
}

func TestCursor_AcceptsJSONNumbers(t *testing.T) {
	ctx := context.Background()
	audit := memory.NewAuditStore()
	_ = audit.Log(ctx, domain.EventLedgerArchived, map[string]any{"offset": float64(42)})
	a := NewLedgerArchiver(memory.NewLedgerStore(), audit, newMemBlobs(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	got, err := a.cursor(ctx)
	if err != nil || got != 42 {
		t.Errorf("cursor = %d, %v; want 42", got, err)
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in     string
		useSSL bool
		want   string
	}{
		{"localhost:9000", false, "http://localhost:9000"},
		{"minio.internal", true, "https://minio.internal"},
		{"https://s3.example.com", false, "https://s3.example.com"},
	}
	for _, tt := range tests {
		if got := normaliseEndpoint(tt.in, tt.useSSL); got != tt.want {
			t.Errorf("normaliseEndpoint(%q, %v) = %q, want %q", tt.in, tt.useSSL, got, tt.want)
		}
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
