package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/store/memory"
	"github.com/fds-service/contracts/internal/store/sqlite"
)

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), "memory://")
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, s)
}

func TestOpenSQLite(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &sqlite.Store{}, s)
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	for _, url := range []string{"", "  ", "mysql://localhost/fds", "s3://bucket/ledger"} {
		_, err := Open(context.Background(), url)
		assert.ErrorIs(t, err, contracts.ErrConfiguration, url)
	}
}
