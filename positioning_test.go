// Positioning oracle test: the cursor operations First, Last, SetRange,
// SetLowerbound, SetUpperbound, Set, FirstDup, NextDup and GetBoth are
// checked against a brute-force linear scan over a deterministically
// generated key/value set,
// the same style of check as the reference implementation's "doubtless
// positioning" fuzz test.
package anchorkv_test

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/anchorkv/anchorkv"
	"github.com/stretchr/testify/require"
)

type posPair struct {
	key, val []byte
}

func posLess(a, b posPair) bool {
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.val, b.val) < 0
}

func randPosKey(r *rand.Rand) []byte {
	return []byte(fmt.Sprintf("%05d", r.Intn(500)))
}

func randPosVal(r *rand.Rand) []byte {
	return []byte(fmt.Sprintf("v%03d", r.Intn(20)))
}

// setupPositioningDB writes a deterministic, sorted DUPSORT reference set and
// returns it alongside a read-only cursor opened on the same data.
func setupPositioningDB(t *testing.T) ([]posPair, *anchorkv.Txn, *anchorkv.Cursor) {
	t.Helper()
	r := rand.New(rand.NewSource(42))

	dir := t.TempDir()
	env, err := anchorkv.NewEnv(anchorkv.Default)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	require.NoError(t, env.SetMaxDBs(1))
	require.NoError(t, env.Open(dir+"/positioning.db", anchorkv.Create, 0644))

	wtxn, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)
	dbi, err := wtxn.OpenDBISimple("pos", anchorkv.Create|anchorkv.DupSort)
	require.NoError(t, err)

	seen := make(map[string]bool)
	var pairs []posPair
	for i := 0; i < 600; i++ {
		p := posPair{key: randPosKey(r), val: randPosVal(r)}
		k := string(p.key) + "\x00" + string(p.val)
		if seen[k] {
			continue
		}
		seen[k] = true
		require.NoError(t, wtxn.Put(dbi, p.key, p.val, 0))
		pairs = append(pairs, p)
	}
	_, err = wtxn.Commit()
	require.NoError(t, err)

	sort.Slice(pairs, func(i, j int) bool { return posLess(pairs[i], pairs[j]) })

	rtxn, err := env.BeginTxn(nil, anchorkv.TxnReadOnly)
	require.NoError(t, err)
	t.Cleanup(func() { rtxn.Abort() })

	cursor, err := rtxn.OpenCursor(dbi)
	require.NoError(t, err)
	t.Cleanup(cursor.Close)

	return pairs, rtxn, cursor
}

func TestPositioningFirstLast(t *testing.T) {
	pairs, _, cursor := setupPositioningDB(t)
	require.NotEmpty(t, pairs)

	k, v, err := cursor.Get(nil, nil, anchorkv.First)
	require.NoError(t, err)
	require.Equal(t, pairs[0].key, k)
	require.Equal(t, pairs[0].val, v)

	k, v, err = cursor.Get(nil, nil, anchorkv.Last)
	require.NoError(t, err)
	last := pairs[len(pairs)-1]
	require.Equal(t, last.key, k)
	require.Equal(t, last.val, v)
}

// TestPositioningSetRange checks SetRange against a linear scan for the
// smallest pair with key >= the probe, over many random probes.
func TestPositioningSetRange(t *testing.T) {
	pairs, _, cursor := setupPositioningDB(t)
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		probe := randPosKey(r)

		var want *posPair
		for i := range pairs {
			if bytes.Compare(pairs[i].key, probe) >= 0 {
				want = &pairs[i]
				break
			}
		}

		k, v, err := cursor.Get(probe, nil, anchorkv.SetRange)
		if want == nil {
			require.True(t, anchorkv.IsNotFound(err), "probe %q: expected not-found", probe)
			continue
		}
		require.NoError(t, err, "probe %q", probe)
		require.Equal(t, want.key, k, "probe %q", probe)
		require.Equal(t, want.val, v, "probe %q: first dup of matched key", probe)
	}
}

// TestPositioningSetLowerboundUpperbound checks SetLowerbound (first pair >=
// probe) and SetUpperbound (first pair > probe) against linear scan, over
// exact existing pairs and synthetic gaps.
func TestPositioningSetLowerboundUpperbound(t *testing.T) {
	pairs, _, cursor := setupPositioningDB(t)
	r := rand.New(rand.NewSource(99))

	for i := 0; i < 200; i++ {
		probe := posPair{key: randPosKey(r), val: randPosVal(r)}

		var wantLB, wantUB *posPair
		for i := range pairs {
			if !posLess(pairs[i], probe) && wantLB == nil {
				wantLB = &pairs[i]
			}
			if posLess(probe, pairs[i]) && wantUB == nil {
				wantUB = &pairs[i]
				break
			}
		}

		k, v, err := cursor.Get(probe.key, probe.val, anchorkv.SetLowerbound)
		if wantLB == nil {
			require.True(t, anchorkv.IsNotFound(err), "lowerbound probe %+v", probe)
		} else {
			require.NoError(t, err, "lowerbound probe %+v", probe)
			require.Equal(t, wantLB.key, k)
			require.Equal(t, wantLB.val, v)
		}

		k, v, err = cursor.Get(probe.key, probe.val, anchorkv.SetUpperbound)
		if wantUB == nil {
			require.True(t, anchorkv.IsNotFound(err), "upperbound probe %+v", probe)
		} else {
			require.NoError(t, err, "upperbound probe %+v", probe)
			require.Equal(t, wantUB.key, k)
			require.Equal(t, wantUB.val, v)
		}
	}
}

// TestPositioningGetBothAndDups checks GetBoth and the
// FirstDup/NextDup walk against the linear-scan grouping of values per key.
func TestPositioningGetBothAndDups(t *testing.T) {
	pairs, _, cursor := setupPositioningDB(t)

	byKey := make(map[string][]posPair)
	for _, p := range pairs {
		byKey[string(p.key)] = append(byKey[string(p.key)], p)
	}

	for key, group := range byKey {
		_, _, err := cursor.Get([]byte(key), nil, anchorkv.Set)
		require.NoError(t, err)

		_, v, err := cursor.Get(nil, nil, anchorkv.FirstDup)
		require.NoError(t, err)
		require.Equal(t, group[0].val, v, "key %q first dup", key)

		var walked [][]byte
		walked = append(walked, v)
		for {
			_, v, err := cursor.Get(nil, nil, anchorkv.NextDup)
			if anchorkv.IsNotFound(err) {
				break
			}
			require.NoError(t, err)
			walked = append(walked, v)
		}
		require.Equal(t, len(group), len(walked), "key %q dup count", key)
		for i, p := range group {
			require.Equal(t, p.val, walked[i], "key %q dup[%d]", key, i)
		}

		k, v, err := cursor.Get([]byte(key), group[0].val, anchorkv.GetBoth)
		require.NoError(t, err)
		require.Equal(t, []byte(key), k)
		require.Equal(t, group[0].val, v)
	}
}
