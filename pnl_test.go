package anchorkv

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPNLSortSearchExist(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var l pnl
	seen := map[pgno]bool{}
	for i := 0; i < 500; i++ {
		pn := pgno(rng.Intn(10000))
		if seen[pn] {
			continue
		}
		seen[pn] = true
		l = append(l, pn)
	}

	l.sort()
	require.True(t, l.isSorted())

	for pn := range seen {
		require.True(t, l.exist(pn))
		idx := l.search(pn)
		require.Equal(t, pn, l[idx])
	}
	require.False(t, l.exist(pgno(10001)))
	require.Equal(t, len(l), l.search(pgno(99999)))

	l.sortDesc()
	require.False(t, l.isSorted())
	for i := 1; i < len(l); i++ {
		require.Greater(t, l[i-1], l[i])
	}
}

func TestPNLInsertRangeKeepsOrder(t *testing.T) {
	l := pnl{3, 9, 20}
	l.insertRange(10, 4)
	require.Equal(t, pnl{3, 9, 10, 11, 12, 13, 20}, l)
	require.True(t, l.isSorted())

	l.insertRange(1, 2)
	require.Equal(t, pnl{1, 2, 3, 9, 10, 11, 12, 13, 20}, l)

	l.insertRange(30, 1)
	require.Equal(t, pgno(30), l[len(l)-1])
}

func TestPNLAppendRange(t *testing.T) {
	var l pnl
	l.appendRange(5, 3)
	require.Equal(t, pnl{5, 6, 7}, l)
	l.appendRange(100, 0)
	require.Len(t, l, 3)
}

func TestPNLMerge(t *testing.T) {
	a := pnl{1, 4, 7, 9}
	b := pnl{2, 4, 8, 9, 12}
	merged := mergePNL(a, b)
	require.Equal(t, pnl{1, 2, 4, 7, 8, 9, 12}, merged)
	require.True(t, merged.isSorted())

	require.Equal(t, pnl{1, 2}, mergePNL(nil, pnl{1, 2}))
	require.Equal(t, pnl{1, 2}, mergePNL(pnl{1, 2}, nil))
}

func TestPNLDedupe(t *testing.T) {
	l := pnl{1, 1, 2, 3, 3, 3, 9}
	require.Equal(t, pnl{1, 2, 3, 9}, l.dedupe())
	require.Equal(t, pnl{5}, pnl{5}.dedupe())
	require.Empty(t, pnl{}.dedupe())
}

func TestPNLTakeRun(t *testing.T) {
	l := pnl{2, 3, 7, 8, 9, 10, 15}

	start, ok := l.takeRun(3)
	require.True(t, ok)
	require.Equal(t, pgno(7), start)
	require.Equal(t, pnl{2, 3, 10, 15}, l)

	start, ok = l.takeRun(2)
	require.True(t, ok)
	require.Equal(t, pgno(2), start)

	_, ok = l.takeRun(2)
	require.False(t, ok)

	start, ok = l.takeRun(1)
	require.True(t, ok)
	require.Equal(t, pgno(10), start)
}

func TestPNLNeedBoundsList(t *testing.T) {
	var l pnl
	require.NoError(t, l.need(16))
	require.GreaterOrEqual(t, cap(l), 16)

	err := l.need(pnlMaxSize + 1)
	require.Error(t, err)
	require.True(t, IsErrorCode(err, ErrTxnFull))
}

func TestTXLOrderAndMembership(t *testing.T) {
	l := txl{3, 11, 7}
	l.sortDesc()
	require.Equal(t, txl{11, 7, 3}, l)
	require.True(t, l.contains(7))
	require.False(t, l.contains(5))
}
