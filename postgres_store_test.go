package invoiceflow

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPostgresStore runs the shared store contract against a real database.
// Set INVOICEFLOW_POSTGRES_DSN to enable it, e.g.:
//
//	INVOICEFLOW_POSTGRES_DSN="postgres://localhost/invoiceflow_test?sslmode=disable" go test
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("INVOICEFLOW_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INVOICEFLOW_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := OpenPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.InitSchema(ctx))

	runStoreContract(t, store)
}
