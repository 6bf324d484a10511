package scan

import (
	"context"
	"errors"

	"github.com/kestrelsec/kestrel/pkg/findings"
)

// ErrNotFound is returned by stores for unknown scan IDs.
var ErrNotFound = errors.New("scan not found")

// Store persists scans, steps and findings. Writes are serialized per
// scan by the loop; implementations do not need multi-scan transactions.
type Store interface {
	// PutScan inserts or fully updates a scan record.
	PutScan(ctx context.Context, s *Scan) error
	// AppendStep persists one completed loop iteration.
	AppendStep(ctx context.Context, step *AgentStep) error
	// UpsertFinding persists a finding; a duplicate fingerprint within
	// the same scan leaves the earlier record standing.
	UpsertFinding(ctx context.Context, f *findings.Finding) error
	// FinalizeScan writes the terminal scan record. Once a scan is
	// terminal its stored state never changes again.
	FinalizeScan(ctx context.Context, s *Scan) error

	GetScan(ctx context.Context, id string) (*Scan, error)
	ListScans(ctx context.Context) ([]*Scan, error)
	StepsForScan(ctx context.Context, scanID string) ([]*AgentStep, error)
	FindingsForScan(ctx context.Context, scanID string) ([]*findings.Finding, error)

	Close() error
}
