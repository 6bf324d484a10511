package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/kestrelsec/kestrel/pkg/findings"
	"github.com/kestrelsec/kestrel/pkg/scan"
)

// Memory is a map-backed Store. It copies on write and read so callers
// can never alias its internal state.
type Memory struct {
	mu       sync.RWMutex
	scans    map[string]*scan.Scan
	steps    map[string][]*scan.AgentStep
	findings map[string][]*findings.Finding
	byPrint  map[string]map[string]bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		scans:    make(map[string]*scan.Scan),
		steps:    make(map[string][]*scan.AgentStep),
		findings: make(map[string][]*findings.Finding),
		byPrint:  make(map[string]map[string]bool),
	}
}

func (m *Memory) PutScan(_ context.Context, s *scan.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.scans[s.ID] = &cp
	return nil
}

func (m *Memory) AppendStep(_ context.Context, step *scan.AgentStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	m.steps[step.ScanID] = append(m.steps[step.ScanID], &cp)
	return nil
}

func (m *Memory) UpsertFinding(_ context.Context, f *findings.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prints := m.byPrint[f.ScanID]
	if prints == nil {
		prints = make(map[string]bool)
		m.byPrint[f.ScanID] = prints
	}
	if prints[f.Fingerprint] {
		return nil
	}
	prints[f.Fingerprint] = true
	cp := *f
	m.findings[f.ScanID] = append(m.findings[f.ScanID], &cp)
	return nil
}

func (m *Memory) FinalizeScan(_ context.Context, s *scan.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.scans[s.ID]; ok && prev.Status.Terminal() {
		return nil
	}
	cp := *s
	m.scans[s.ID] = &cp
	return nil
}

func (m *Memory) GetScan(_ context.Context, id string) (*scan.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scans[id]
	if !ok {
		return nil, scan.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListScans(_ context.Context) ([]*scan.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*scan.Scan, 0, len(m.scans))
	for _, s := range m.scans {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) StepsForScan(_ context.Context, scanID string) ([]*scan.AgentStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := m.steps[scanID]
	out := make([]*scan.AgentStep, 0, len(steps))
	for _, s := range steps {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) FindingsForScan(_ context.Context, scanID string) ([]*findings.Finding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.findings[scanID]
	out := make([]*findings.Finding, 0, len(list))
	for _, f := range list {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
