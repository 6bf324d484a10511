// Package storage provides the persistence collaborators behind the
// scan.Store contract: a SQLite implementation for real deployments and
// an in-memory one for tests and ephemeral runs.
package storage

import (
	"fmt"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/scan"
)

// New selects a store implementation from config.
func New(cfg *config.StorageConfig) (scan.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLite(cfg.Path)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}
}
