package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, url := range []string{"https://a.example", "https://b.example", "https://c.example"} {
		require.NoError(t, s.Record(ctx, &SolveRecord{
			URL:       url,
			Command:   "get_cookies",
			Status:    "ok",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "https://c.example", records[0].URL)
	assert.Equal(t, "https://b.example", records[1].URL)
	assert.NotEmpty(t, records[0].ID)

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rec := &SolveRecord{URL: "https://a.example", Status: "error", FailedStep: "navigate to url", StartedAt: time.Now()}
	require.NoError(t, s.Record(ctx, rec))

	got, ok, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "navigate to url", got.FailedStep)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
