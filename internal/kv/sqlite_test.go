package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestSQLite opens a store in a temp dir with polling disabled.
func createTestSQLite(t *testing.T, path string, opts ...SQLiteOption) *SQLite {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "test.db")
	}
	s, err := OpenSQLite(path, append([]SQLiteOption{WithPollInterval(0)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSQLite_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	createTestSQLite(t, path)

	_, err := os.Stat(path)
	assert.NoError(t, err, "database file was created")
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := OpenSQLite(path, WithPollInterval(0))
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}

	s := createTestSQLite(t, path)
	var version int
	require.NoError(t, s.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	var name string
	err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_kv_revision'").Scan(&name)
	assert.NoError(t, err)
}

func TestDSN(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"mutq.db", "file:mutq.db?_txlock=immediate"},
		{":memory:", ":memory:"},
		{"file:mutq.db", "file:mutq.db?_txlock=immediate"},
		{"file:mutq.db?mode=rwc", "file:mutq.db?mode=rwc&_txlock=immediate"},
		{"file:mutq.db?_txlock=exclusive", "file:mutq.db?_txlock=exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, dsn(tt.path))
		})
	}
}

func TestOpenSQLite_FileURI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s := createTestSQLite(t, "file:"+path+"?mode=rwc")

	ctx := context.Background()
	_, err := s.Set(ctx, Entry{Key: "k", Value: []byte(`1`)})
	require.NoError(t, err)
	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `1`, string(rec.Value))

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpenSQLite_InvalidPath(t *testing.T) {
	_, err := OpenSQLite("/nonexistent/dir/test.db")
	assert.Error(t, err)
}

func TestOpenSQLite_Pragmas(t *testing.T) {
	s := createTestSQLite(t, "")

	var mode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var sync int
	require.NoError(t, s.DB().QueryRow("PRAGMA synchronous").Scan(&sync))
	assert.Equal(t, 2, sync, "FULL")
}

func TestSQLite_SetGet(t *testing.T) {
	ctx := context.Background()
	s := createTestSQLite(t, "")

	rec, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.True(t, rec.Empty())

	rev, err := s.Set(ctx, Entry{Key: "q", Value: []byte(`[1,2]`)}, Entry{Key: "o", Value: []byte(`{"requestID":3}`)})
	require.NoError(t, err)
	assert.Equal(t, Revision(1), rev)

	q, err := s.Get(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(q.Value))
	assert.Equal(t, rev, q.Revision)

	rev2, err := s.Set(ctx, Entry{Key: "o"})
	require.NoError(t, err)
	assert.Equal(t, Revision(2), rev2)

	o, err := s.Get(ctx, "o")
	require.NoError(t, err)
	assert.True(t, o.Empty())
	assert.Equal(t, rev2, o.Revision)
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := OpenSQLite(path, WithPollInterval(0))
	require.NoError(t, err)
	_, err = s1.Set(ctx, Entry{Key: "q", Value: []byte(`["a"]`)})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2 := createTestSQLite(t, path)
	got, err := s2.Get(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, `["a"]`, string(got.Value))
	assert.NotEqual(t, s1.Origin(), s2.Origin())
}

func TestSQLite_Merge(t *testing.T) {
	ctx := context.Background()
	s := createTestSQLite(t, "")

	_, err := s.Merge(ctx, "report", []byte(`{"a":1,"b":{"c":2}}`))
	require.NoError(t, err)
	rev, err := s.Merge(ctx, "report", []byte(`{"b":{"d":3},"a":null}`))
	require.NoError(t, err)
	assert.Equal(t, Revision(2), rev)

	got, err := s.Get(ctx, "report")
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":{"c":2,"d":3}}`, string(got.Value))

	_, err = s.Merge(ctx, "report", []byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestSQLite_LocalWritesNotifySynchronously(t *testing.T) {
	ctx := context.Background()
	s := createTestSQLite(t, "")

	var rec recorder
	s.Subscribe(rec.record)

	_, err := s.Set(ctx, Entry{Key: "a", Value: []byte(`1`)}, Entry{Key: "b", Value: []byte(`2`)})
	require.NoError(t, err)

	changes := rec.snapshot()
	require.Len(t, changes, 2)
	assert.Equal(t, s.Origin(), changes[0].Origin)
	assert.Equal(t, changes[0].Revision, changes[1].Revision)
}

func TestSQLite_PollsForeignCommits(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	writer := createTestSQLite(t, path)
	reader, err := OpenSQLite(path, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })

	var rec recorder
	reader.Subscribe(rec.record)

	_, err = writer.Set(ctx, Entry{Key: "q", Value: []byte(`[7]`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	c := rec.snapshot()[0]
	assert.Equal(t, "q", c.Key)
	assert.Equal(t, `[7]`, string(c.Value))
	assert.Equal(t, writer.Origin(), c.Origin)

	// The reader's own writes are not re-reported by the poller.
	_, err = reader.Set(ctx, Entry{Key: "own", Value: []byte(`1`)})
	require.NoError(t, err)
	require.NoError(t, reader.poll(ctx))
	assert.Len(t, rec.snapshot(), 2, "one poll result plus one local notification")
}

func TestSQLite_Close(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Set(context.Background(), Entry{Key: "k"})
	assert.ErrorIs(t, err, ErrClosed)
}
