package greylist

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries   = []byte("entries")
	bucketWhitelist = []byte("whitelist")
	bucketBlacklist = []byte("blacklist")
)

// boltBackend persists store snapshots in a bbolt database. Entries
// are keyed by triple key; list entries by insertion index. Values are
// MessagePack (encode.go).
type boltBackend struct {
	db *bolt.DB
}

func openBolt(path string) (*boltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("greylist: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketWhitelist, bucketBlacklist} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("greylist: init %s: %w", path, err)
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) close() error {
	return b.db.Close()
}

// load fills the store from the database. Called once before the store
// is shared, so no locking is needed.
func (b *boltBackend) load(s *Store) error {
	return b.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if _, err := e.UnmarshalMsg(v); err != nil {
				return fmt.Errorf("greylist: decode entry %q: %w", k, err)
			}
			s.entries[string(k)] = &e
			return nil
		})
		if err != nil {
			return err
		}

		for _, lb := range []struct {
			name []byte
			list *[]ListEntry
		}{
			{bucketWhitelist, &s.whitelist},
			{bucketBlacklist, &s.blacklist},
		} {
			err := tx.Bucket(lb.name).ForEach(func(k, v []byte) error {
				var e ListEntry
				if _, err := e.UnmarshalMsg(v); err != nil {
					return fmt.Errorf("greylist: decode list entry: %w", err)
				}
				*lb.list = append(*lb.list, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// save replaces the database contents with the given snapshot.
func (b *boltBackend) save(entries []Entry, whitelist, blacklist []ListEntry) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		eb, err := recreateBucket(tx, bucketEntries)
		if err != nil {
			return err
		}
		var buf []byte
		for i := range entries {
			buf, err = entries[i].MarshalMsg(buf[:0])
			if err != nil {
				return err
			}
			if err := eb.Put([]byte(entries[i].Key()), buf); err != nil {
				return err
			}
		}

		for _, lb := range []struct {
			name []byte
			list []ListEntry
		}{
			{bucketWhitelist, whitelist},
			{bucketBlacklist, blacklist},
		} {
			bk, err := recreateBucket(tx, lb.name)
			if err != nil {
				return err
			}
			var key [8]byte
			for i := range lb.list {
				binary.BigEndian.PutUint64(key[:], uint64(i))
				buf, err = lb.list[i].MarshalMsg(buf[:0])
				if err != nil {
					return err
				}
				if err := bk.Put(key[:], buf); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func recreateBucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	if tx.Bucket(name) != nil {
		if err := tx.DeleteBucket(name); err != nil {
			return nil, err
		}
	}
	return tx.CreateBucket(name)
}
