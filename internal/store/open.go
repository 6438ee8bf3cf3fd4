package store

import (
	"context"
	"fmt"

	"github.com/Lllllllleong/fiscaldocflow/internal/gcp"
)

const (
	BackendFirestore = "firestore"
	BackendSQLite    = "sqlite"
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend    string
	ProjectID  string
	Collection string
	SQLiteDSN  string
}

// Open returns the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendFirestore:
		client, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, err
		}
		if cfg.Collection == "" {
			_ = client.Close()
			return nil, fmt.Errorf("firestore backend requires a collection name")
		}
		return NewFirestoreStore(client, cfg.Collection), nil
	case BackendSQLite:
		if cfg.SQLiteDSN == "" {
			return nil, fmt.Errorf("sqlite backend requires a DSN")
		}
		return OpenSQLite(cfg.SQLiteDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
