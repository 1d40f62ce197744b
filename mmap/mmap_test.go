package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mapped.dat")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestNewMapsExistingFD(t *testing.T) {
	path := writeTempFile(t, []byte("hello world test data for mmap"))

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	fi, err := f.Stat()
	require.NoError(t, err)

	m, err := New(int(f.Fd()), 0, int(fi.Size()), false)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, "hello world test data for mmap", string(m.Data()))
	require.Equal(t, fi.Size(), m.Size())
	require.False(t, m.Writable())
}

func TestMapFileReadOnly(t *testing.T) {
	path := writeTempFile(t, []byte("MapFile test data content"))

	m, err := MapFile(path, false)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, "MapFile test data content", string(m.Data()))
}

func TestWritableRoundTrip(t *testing.T) {
	initial := make([]byte, 4096)
	copy(initial, []byte("initial"))
	path := writeTempFile(t, initial)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)

	m, err := New(int(f.Fd()), 0, len(initial), true)
	require.NoError(t, err)

	copy(m.Data(), []byte("modified"))
	require.NoError(t, m.Sync())
	require.NoError(t, m.Close())
	require.NoError(t, f.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, len(got) >= len("modified"))
	require.Equal(t, "modified", string(got[:len("modified")]))
}

func TestRemapGrowsInPlaceOrFallsBack(t *testing.T) {
	path := writeTempFile(t, nil)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	const initialSize = 4096
	require.NoError(t, f.Truncate(initialSize))

	m, err := New(int(f.Fd()), 0, initialSize, true)
	require.NoError(t, err)
	defer m.Close()

	copy(m.Data(), []byte("test data"))

	const newSize = 8192
	require.NoError(t, f.Truncate(newSize))
	require.NoError(t, m.Remap(newSize))
	require.EqualValues(t, newSize, m.Size())
	require.Equal(t, "test data", string(m.Data()[:len("test data")]))

	copy(m.Data()[initialSize:], []byte("new region"))
	require.NoError(t, m.Sync())
}

func TestSyncRangeRejectsOutOfBounds(t *testing.T) {
	path := writeTempFile(t, make([]byte, 4096))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	m, err := New(int(f.Fd()), 0, 4096, true)
	require.NoError(t, err)
	defer m.Close()

	copy(m.Data()[100:], []byte("test"))
	require.NoError(t, m.SyncRange(0, 4096))
	require.ErrorIs(t, m.SyncRange(0, 8192), ErrInvalidRange)
}

func TestCloseIsIdempotentAndClearsData(t *testing.T) {
	path := writeTempFile(t, []byte("close test"))

	m, err := MapFile(path, false)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.Nil(t, m.Data())
	require.NoError(t, m.Close())
}

func TestMapFileRejectsEmptyFile(t *testing.T) {
	path := writeTempFile(t, nil)

	_, err := MapFile(path, false)
	require.ErrorIs(t, err, ErrEmptyFile)
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	path := writeTempFile(t, []byte("x"))
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	_, err = New(int(f.Fd()), 0, 0, false)
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = New(int(f.Fd()), 0, -1, false)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestAdviseHintsDoNotError(t *testing.T) {
	path := writeTempFile(t, make([]byte, 4096))

	m, err := MapFile(path, false)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.AdviseSequential())
	require.NoError(t, m.AdviseRandom())
	require.NoError(t, m.AdviseWillNeed())
	require.NoError(t, m.AdviseDontNeed())
}
