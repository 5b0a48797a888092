package db

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name       string
		mode       Mode
		wantTxLock bool
	}{
		{name: "write", mode: ModeWrite, wantTxLock: true},
		{name: "read", mode: ModeRead, wantTxLock: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := buildDSN("/tmp/pipeflow.sqlite", tt.mode)

			assert.True(t, strings.HasPrefix(dsn, "/tmp/pipeflow.sqlite?"))
			assert.Contains(t, dsn, "_journal_mode=WAL")
			assert.Contains(t, dsn, "_busy_timeout=5000")
			assert.Contains(t, dsn, "_synchronous=NORMAL")
			assert.Contains(t, dsn, "_foreign_keys=on")
			if tt.wantTxLock {
				assert.Contains(t, dsn, "_txlock=immediate")
			} else {
				assert.NotContains(t, dsn, "_txlock")
			}
		})
	}
}

func TestOpen_InvalidMode(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "test.db"), Mode("bogus"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid SQLite mode")
}

func TestOpen_Write(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), ModeWrite, 8)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", strings.ToLower(journalMode))

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	// maxOpen is ignored for the write pool.
	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}

func TestOpen_ReadDefaultMaxOpen(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), ModeRead, 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	assert.Equal(t, 4, db.Stats().MaxOpenConnections)
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db", ModeWrite, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping sqlite")
}

func TestOpenPair_WriteThenRead(t *testing.T) {
	writeDB, readDB, err := OpenPair(filepath.Join(t.TempDir(), "test.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() {
		writeDB.Close()
		readDB.Close()
	})

	assert.Equal(t, 1, writeDB.Stats().MaxOpenConnections)
	assert.Equal(t, 3, readDB.Stats().MaxOpenConnections)

	_, err = writeDB.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = writeDB.Exec("INSERT INTO kv (k, v) VALUES ('a', 'b')")
	require.NoError(t, err)

	var v string
	require.NoError(t, readDB.QueryRow("SELECT v FROM kv WHERE k = 'a'").Scan(&v))
	assert.Equal(t, "b", v)
}

func TestOpenPair_InvalidPath(t *testing.T) {
	_, _, err := OpenPair("/nonexistent/dir/test.db", 4)
	require.Error(t, err)
}

// Concurrent writers and readers must not surface SQLITE_BUSY thanks to
// busy_timeout and the single-connection write pool.
func TestOpenPair_ConcurrentWritesAndReads(t *testing.T) {
	writeDB, readDB, err := OpenPair(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() {
		writeDB.Close()
		readDB.Close()
	})

	_, err = writeDB.Exec("CREATE TABLE counter (id INTEGER PRIMARY KEY, n INTEGER)")
	require.NoError(t, err)
	_, err = writeDB.Exec("INSERT INTO counter (id, n) VALUES (1, 0)")
	require.NoError(t, err)

	var wg sync.WaitGroup
	writeErrs := make([]error, 20)
	readErrs := make([]error, 20)
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, writeErrs[i] = writeDB.Exec("UPDATE counter SET n = n + 1 WHERE id = 1")
		}()
		go func() {
			defer wg.Done()
			var n int
			readErrs[i] = readDB.QueryRow("SELECT n FROM counter WHERE id = 1").Scan(&n)
		}()
	}
	wg.Wait()

	for i := range 20 {
		assert.NoError(t, writeErrs[i], "writer %d", i)
		assert.NoError(t, readErrs[i], "reader %d", i)
	}

	var n int
	require.NoError(t, readDB.QueryRow("SELECT n FROM counter WHERE id = 1").Scan(&n))
	assert.Equal(t, 20, n)
}

func TestRunMigrations(t *testing.T) {
	writeDB, _ := OpenTestSQLite(t)

	v, err := MigrationVersion(writeDB)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// Re-running is a no-op.
	require.NoError(t, RunMigrations(writeDB))

	for _, table := range []string{"pipelines", "stages", "jobs", "job_needs", "leases", "deployments"} {
		var name string
		err := writeDB.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
	}
}
