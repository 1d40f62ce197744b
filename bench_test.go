// Comparative benchmarks against bbolt and rocksdb, the same B+tree and
// LSM reference points the teacher's benchmark suite used, trimmed to a
// single curated file covering put/get/iterate.
package anchorkv_test

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/anchorkv/anchorkv"
	"github.com/tecbot/gorocksdb"
	bolt "go.etcd.io/bbolt"
)

var benchBucket = []byte("bench")

func newAnchorKVBenchEnv(b *testing.B) (*anchorkv.Env, anchorkv.DBI) {
	b.Helper()
	dir := b.TempDir()

	env, err := anchorkv.NewEnv(anchorkv.Default)
	if err != nil {
		b.Fatal(err)
	}
	if err := env.SetMaxDBs(1); err != nil {
		b.Fatal(err)
	}
	if err := env.Open(filepath.Join(dir, "bench.db"), anchorkv.Create, 0644); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { env.Close() })

	txn, err := env.BeginTxn(nil, 0)
	if err != nil {
		b.Fatal(err)
	}
	dbi, err := txn.OpenDBISimple("bench", anchorkv.Create)
	if err != nil {
		b.Fatal(err)
	}
	if _, err := txn.Commit(); err != nil {
		b.Fatal(err)
	}
	return env, dbi
}

func newBoltBenchDB(b *testing.B) *bolt.DB {
	b.Helper()
	dir := b.TempDir()
	db, err := bolt.Open(filepath.Join(dir, "bench.bolt"), 0644, nil)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { db.Close() })
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(benchBucket)
		return err
	}); err != nil {
		b.Fatal(err)
	}
	return db
}

func newRocksBenchDB(b *testing.B) *gorocksdb.DB {
	b.Helper()
	dir := b.TempDir()
	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	db, err := gorocksdb.OpenDb(opts, filepath.Join(dir, "bench.rocksdb"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { db.Close() })
	return db
}

func seqKV(i int) ([]byte, []byte) {
	key := make([]byte, 8)
	val := make([]byte, 32)
	binary.BigEndian.PutUint64(key, uint64(i))
	binary.BigEndian.PutUint64(val, uint64(i))
	return key, val
}

func BenchmarkPut(b *testing.B) {
	b.Run("anchorkv", func(b *testing.B) {
		env, dbi := newAnchorKVBenchEnv(b)
		txn, err := env.BeginTxn(nil, 0)
		if err != nil {
			b.Fatal(err)
		}
		defer txn.Abort()

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			key, val := seqKV(i)
			if err := txn.Put(dbi, key, val, 0); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("bolt", func(b *testing.B) {
		db := newBoltBenchDB(b)
		txn, err := db.Begin(true)
		if err != nil {
			b.Fatal(err)
		}
		defer txn.Rollback()
		bucket := txn.Bucket(benchBucket)

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			key, val := seqKV(i)
			if err := bucket.Put(key, val); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("rocksdb", func(b *testing.B) {
		db := newRocksBenchDB(b)
		wo := gorocksdb.NewDefaultWriteOptions()
		wo.DisableWAL(true)
		defer wo.Destroy()

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			key, val := seqKV(i)
			if err := db.Put(wo, key, val); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkGet(b *testing.B) {
	const numKeys = 10000

	b.Run("anchorkv", func(b *testing.B) {
		env, dbi := newAnchorKVBenchEnv(b)
		wtxn, err := env.BeginTxn(nil, 0)
		if err != nil {
			b.Fatal(err)
		}
		for i := 0; i < numKeys; i++ {
			key, val := seqKV(i)
			if err := wtxn.Put(dbi, key, val, 0); err != nil {
				b.Fatal(err)
			}
		}
		if _, err := wtxn.Commit(); err != nil {
			b.Fatal(err)
		}

		rtxn, err := env.BeginTxn(nil, anchorkv.TxnReadOnly)
		if err != nil {
			b.Fatal(err)
		}
		defer rtxn.Abort()

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			key, _ := seqKV(i % numKeys)
			if _, err := rtxn.Get(dbi, key); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("bolt", func(b *testing.B) {
		db := newBoltBenchDB(b)
		if err := db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(benchBucket)
			for i := 0; i < numKeys; i++ {
				key, val := seqKV(i)
				if err := bucket.Put(key, val); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			b.Fatal(err)
		}

		txn, err := db.Begin(false)
		if err != nil {
			b.Fatal(err)
		}
		defer txn.Rollback()
		bucket := txn.Bucket(benchBucket)

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			key, _ := seqKV(i % numKeys)
			_ = bucket.Get(key)
		}
	})

	b.Run("rocksdb", func(b *testing.B) {
		db := newRocksBenchDB(b)
		wo := gorocksdb.NewDefaultWriteOptions()
		defer wo.Destroy()
		for i := 0; i < numKeys; i++ {
			key, val := seqKV(i)
			if err := db.Put(wo, key, val); err != nil {
				b.Fatal(err)
			}
		}

		ro := gorocksdb.NewDefaultReadOptions()
		defer ro.Destroy()

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			key, _ := seqKV(i % numKeys)
			v, err := db.Get(ro, key)
			if err != nil {
				b.Fatal(err)
			}
			v.Free()
		}
	})
}

func BenchmarkIterate(b *testing.B) {
	const numKeys = 10000

	b.Run("anchorkv", func(b *testing.B) {
		env, dbi := newAnchorKVBenchEnv(b)
		wtxn, err := env.BeginTxn(nil, 0)
		if err != nil {
			b.Fatal(err)
		}
		for i := 0; i < numKeys; i++ {
			key, val := seqKV(i)
			if err := wtxn.Put(dbi, key, val, 0); err != nil {
				b.Fatal(err)
			}
		}
		if _, err := wtxn.Commit(); err != nil {
			b.Fatal(err)
		}

		rtxn, err := env.BeginTxn(nil, anchorkv.TxnReadOnly)
		if err != nil {
			b.Fatal(err)
		}
		defer rtxn.Abort()
		cursor, err := rtxn.OpenCursor(dbi)
		if err != nil {
			b.Fatal(err)
		}
		defer cursor.Close()

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_, _, err := cursor.Get(nil, nil, anchorkv.First)
			for err == nil {
				_, _, err = cursor.Get(nil, nil, anchorkv.Next)
			}
			if !anchorkv.IsNotFound(err) {
				b.Fatal(err)
			}
		}
	})

	b.Run("rocksdb", func(b *testing.B) {
		db := newRocksBenchDB(b)
		wo := gorocksdb.NewDefaultWriteOptions()
		defer wo.Destroy()
		for i := 0; i < numKeys; i++ {
			key, val := seqKV(i)
			if err := db.Put(wo, key, val); err != nil {
				b.Fatal(err)
			}
		}

		ro := gorocksdb.NewDefaultReadOptions()
		defer ro.Destroy()

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			iter := db.NewIterator(ro)
			iter.SeekToFirst()
			for ; iter.Valid(); iter.Next() {
			}
			iter.Close()
		}
	})
}
