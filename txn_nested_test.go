package anchorkv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNestedCommitFoldsIntoParent(t *testing.T) {
	env, _ := openTestEnv(t)

	parent, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := parent.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)
	require.NoError(t, parent.Put(dbi, []byte("a"), []byte("1"), 0))

	child, err := env.BeginTxn(parent, 0)
	require.NoError(t, err)
	require.Equal(t, parent.ID(), child.ID())
	require.NoError(t, child.Put(dbi, []byte("a"), []byte("2"), 0))
	require.NoError(t, child.Put(dbi, []byte("b"), []byte("3"), 0))

	// The child reads its own writes layered over the parent's.
	v, err := child.Get(dbi, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	_, err = child.Commit()
	require.NoError(t, err)

	// After the fold the parent sees the child's state.
	v, err = parent.Get(dbi, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
	v, err = parent.Get(dbi, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), v)

	_, err = parent.Commit()
	require.NoError(t, err)

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer reader.Abort()
	v, err = reader.Get(dbi, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
	v, err = reader.Get(dbi, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), v)
}

func TestNestedAbortLeavesParentUntouched(t *testing.T) {
	env, _ := openTestEnv(t)

	parent, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := parent.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)
	require.NoError(t, parent.Put(dbi, []byte("a"), []byte("1"), 0))

	child, err := env.BeginTxn(parent, 0)
	require.NoError(t, err)
	require.NoError(t, child.Put(dbi, []byte("a"), []byte("2"), 0))
	require.NoError(t, child.Put(dbi, []byte("b"), []byte("3"), 0))
	child.Abort()

	v, err := parent.Get(dbi, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	_, err = parent.Get(dbi, []byte("b"))
	require.True(t, IsNotFound(err))

	_, err = parent.Commit()
	require.NoError(t, err)

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer reader.Abort()
	v, err = reader.Get(dbi, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	_, err = reader.Get(dbi, []byte("b"))
	require.True(t, IsNotFound(err))
}

func TestNestedTxnBlocksParent(t *testing.T) {
	env, _ := openTestEnv(t)

	parent, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := parent.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)

	child, err := env.BeginTxn(parent, 0)
	require.NoError(t, err)

	// While the child is live, the parent cannot write, open cursors, or
	// commit; and a second child cannot start.
	require.Error(t, parent.Put(dbi, []byte("x"), []byte("y"), 0))
	_, err = parent.OpenCursor(dbi)
	require.Error(t, err)
	_, err = parent.Commit()
	require.Error(t, err)
	_, err = env.BeginTxn(parent, 0)
	require.Error(t, err)

	require.NoError(t, child.Put(dbi, []byte("x"), []byte("y"), 0))
	_, err = child.Commit()
	require.NoError(t, err)

	// Parent is usable again after the child resolves.
	require.NoError(t, parent.Put(dbi, []byte("z"), []byte("w"), 0))
	_, err = parent.Commit()
	require.NoError(t, err)
}

func TestNestedDeleteFoldsIntoParent(t *testing.T) {
	env, _ := openTestEnv(t)

	setup, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := setup.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		require.NoError(t, setup.Put(dbi, key, []byte("v"), 0))
	}
	_, err = setup.Commit()
	require.NoError(t, err)

	parent, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)

	child, err := env.BeginTxn(parent, 0)
	require.NoError(t, err)
	require.NoError(t, child.Del(dbi, []byte("k005"), nil))
	_, err = child.Commit()
	require.NoError(t, err)

	_, err = parent.Get(dbi, []byte("k005"))
	require.True(t, IsNotFound(err))
	_, err = parent.Commit()
	require.NoError(t, err)

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer reader.Abort()
	_, err = reader.Get(dbi, []byte("k005"))
	require.True(t, IsNotFound(err))
	v, err := reader.Get(dbi, []byte("k006"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestSubCommitAndRollback(t *testing.T) {
	env, _ := openTestEnv(t)

	parent, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := parent.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)

	require.NoError(t, parent.Sub(func(txn *Txn) error {
		return txn.Put(dbi, []byte("kept"), []byte("1"), 0)
	}))

	wantErr := fmt.Errorf("roll me back")
	err = parent.Sub(func(txn *Txn) error {
		if err := txn.Put(dbi, []byte("dropped"), []byte("2"), 0); err != nil {
			return err
		}
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	v, err := parent.Get(dbi, []byte("kept"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	_, err = parent.Get(dbi, []byte("dropped"))
	require.True(t, IsNotFound(err))

	_, err = parent.Commit()
	require.NoError(t, err)
}

func TestNestedTxnOnReadOnlyParentFails(t *testing.T) {
	env, _ := openTestEnv(t)

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer reader.Abort()

	_, err = env.BeginTxn(reader, 0)
	require.Error(t, err)
	require.Error(t, reader.Sub(func(*Txn) error { return nil }))
}
