package testutil

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shaiso/flowq/internal/repo/sqlite"
)

// NewStore открывает SQLite-хранилище в памяти, закрываемое в t.Cleanup.
func NewStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// Logger возвращает логгер, который ничего не пишет.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
