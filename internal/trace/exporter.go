package trace

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// Exporter ships trace records somewhere. Export does not take ownership of
// rec; implementations that keep it must Retain it.
type Exporter interface {
	Export(ctx context.Context, kind string, rec arrow.Record) error
	Close() error
}

// MemoryExporter keeps records in memory, keyed by kind. Used by tests and
// by ropecheck when no Flight endpoint is configured.
type MemoryExporter struct {
	mu      sync.RWMutex
	closed  bool
	records map[string][]arrow.Record
}

func NewMemoryExporter() *MemoryExporter {
	return &MemoryExporter{records: make(map[string][]arrow.Record)}
}

func (m *MemoryExporter) Export(ctx context.Context, kind string, rec arrow.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("exporter closed")
	}
	rec.Retain()
	m.records[kind] = append(m.records[kind], rec)
	return nil
}

// Records returns the records exported under kind. They stay owned by the
// exporter.
func (m *MemoryExporter) Records(kind string) []arrow.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]arrow.Record, len(m.records[kind]))
	copy(out, m.records[kind])
	return out
}

// Reset releases every stored record.
func (m *MemoryExporter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

func (m *MemoryExporter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
	m.closed = true
	return nil
}

func (m *MemoryExporter) releaseLocked() {
	for _, recs := range m.records {
		for _, r := range recs {
			r.Release()
		}
	}
	m.records = make(map[string][]arrow.Record)
}
