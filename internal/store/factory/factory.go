package factory

import (
	"fmt"
	"strings"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store"
	pg "github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store/postgres"
	sq "github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - memory:   "" or "memory://"
//   - sqlite:   "sqlite:///<path>" or a bare filepath
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	switch Kind(d) {
	case "memory":
		return store.NewMemory(), nil
	case "postgres":
		return pg.New(d)
	case "sqlite":
		if strings.HasPrefix(strings.ToLower(d), "sqlite://") {
			d = d[len("sqlite://"):]
		}
		return sq.New(d)
	}
	return nil, fmt.Errorf("unsupported store DSN %q", dsn)
}

// Kind names the backend a DSN selects, or "" when none does.
func Kind(dsn string) string {
	ld := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case ld == "" || strings.HasPrefix(ld, "memory://"):
		return "memory"
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(ld, "sqlite://") || !strings.Contains(ld, "://"):
		return "sqlite"
	}
	return ""
}
