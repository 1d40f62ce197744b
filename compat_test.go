// Compatibility tests between libmdbx (via cgo) and this engine: databases
// are written with one and read back with the other, checking that the
// on-disk layout this package produces and consumes matches the reference
// implementation's.
package anchorkv_test

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"runtime"
	"testing"

	"github.com/anchorkv/anchorkv"
	mdbx "github.com/erigontech/mdbx-go/mdbx"
	"github.com/stretchr/testify/require"
)

func newCompatDB(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "anchorkv-compat-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// createWithLibmdbx writes entries using the cgo reference implementation so
// the wire format under test is never produced by this package itself.
func createWithLibmdbx(t *testing.T, path string, fn func(txn *mdbx.Txn, dbi mdbx.DBI)) {
	t.Helper()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	env, err := mdbx.NewEnv(mdbx.Label("test"))
	require.NoError(t, err)
	defer env.Close()

	require.NoError(t, env.SetGeometry(-1, -1, 1<<30, -1, -1, 4096))
	require.NoError(t, env.Open(path, mdbx.Create, 0644))

	txn, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)

	dbi, err := txn.OpenRoot(0)
	if err != nil {
		txn.Abort()
		require.NoError(t, err)
	}

	fn(txn, dbi)

	_, err = txn.Commit()
	require.NoError(t, err)
}

// readWithAnchorKV opens the same file read-only with this package.
func readWithAnchorKV(t *testing.T, path string, fn func(txn *anchorkv.Txn, dbi anchorkv.DBI)) {
	t.Helper()

	env, err := anchorkv.NewEnv(anchorkv.Default)
	require.NoError(t, err)
	defer env.Close()

	require.NoError(t, env.Open(path, anchorkv.ReadOnly, 0644))

	txn, err := env.BeginTxn(nil, anchorkv.TxnReadOnly)
	require.NoError(t, err)
	defer txn.Abort()

	fn(txn, anchorkv.MainDBI)
}

func TestCompatBasicReadWrite(t *testing.T) {
	path := newCompatDB(t)

	entries := map[string]string{
		"key1":  "value1",
		"key2":  "value2",
		"hello": "world",
		"foo":   "bar",
	}

	createWithLibmdbx(t, path, func(txn *mdbx.Txn, dbi mdbx.DBI) {
		for k, v := range entries {
			require.NoError(t, txn.Put(dbi, []byte(k), []byte(v), 0))
		}
	})

	readWithAnchorKV(t, path, func(txn *anchorkv.Txn, dbi anchorkv.DBI) {
		for k, expected := range entries {
			val, err := txn.Get(dbi, []byte(k))
			require.NoError(t, err)
			require.Equal(t, expected, string(val))
		}
	})
}

func TestCompatEmptyDatabase(t *testing.T) {
	path := newCompatDB(t)

	createWithLibmdbx(t, path, func(txn *mdbx.Txn, dbi mdbx.DBI) {})

	readWithAnchorKV(t, path, func(txn *anchorkv.Txn, dbi anchorkv.DBI) {
		cursor, err := txn.OpenCursor(dbi)
		require.NoError(t, err)
		defer cursor.Close()

		_, _, err = cursor.Get(nil, nil, anchorkv.First)
		require.True(t, anchorkv.IsNotFound(err))
	})
}

func TestCompatLargeValues(t *testing.T) {
	path := newCompatDB(t)

	largeValue := make([]byte, 100000)
	_, err := rand.Read(largeValue)
	require.NoError(t, err)

	entries := map[string][]byte{
		"small":  []byte("tiny"),
		"medium": bytes.Repeat([]byte("x"), 1000),
		"large":  largeValue,
	}

	createWithLibmdbx(t, path, func(txn *mdbx.Txn, dbi mdbx.DBI) {
		for k, v := range entries {
			require.NoError(t, txn.Put(dbi, []byte(k), v, 0))
		}
	})

	readWithAnchorKV(t, path, func(txn *anchorkv.Txn, dbi anchorkv.DBI) {
		for k, expected := range entries {
			val, err := txn.Get(dbi, []byte(k))
			require.NoError(t, err)
			require.True(t, bytes.Equal(val, expected), "key %q length %d want %d", k, len(val), len(expected))
		}
	})
}

func TestCompatManyEntries(t *testing.T) {
	path := newCompatDB(t)

	const numEntries = 5000
	entries := make(map[string]string, numEntries)
	for i := 0; i < numEntries; i++ {
		entries[fmt.Sprintf("key-%08d", i)] = fmt.Sprintf("val-%d", i)
	}

	createWithLibmdbx(t, path, func(txn *mdbx.Txn, dbi mdbx.DBI) {
		for k, v := range entries {
			require.NoError(t, txn.Put(dbi, []byte(k), []byte(v), 0))
		}
	})

	readWithAnchorKV(t, path, func(txn *anchorkv.Txn, dbi anchorkv.DBI) {
		cursor, err := txn.OpenCursor(dbi)
		require.NoError(t, err)
		defer cursor.Close()

		count := 0
		_, _, err = cursor.Get(nil, nil, anchorkv.First)
		for err == nil {
			count++
			_, _, err = cursor.Get(nil, nil, anchorkv.Next)
		}
		require.True(t, anchorkv.IsNotFound(err))
		require.Equal(t, numEntries, count)

		for i := 0; i < numEntries; i += 137 {
			key := fmt.Sprintf("key-%08d", i)
			val, err := txn.Get(dbi, []byte(key))
			require.NoError(t, err)
			require.Equal(t, entries[key], string(val))
		}
	})
}
