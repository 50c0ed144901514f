package storage

import (
	"bytes"
	"context"

	"github.com/aura-labs/aura"
	bbolt "go.etcd.io/bbolt"
)

var defaultBucket = []byte("aura")

// BoltStore keeps the key-value pairs in one bucket of a bbolt database.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, aura.Errorf(aura.KindStorage, "opening %s: %v", path, err)
	}
	return NewBoltStore(db, defaultBucket)
}

// NewBoltStore uses the given bucket of an open database, creating it if
// needed.
func NewBoltStore(db *bbolt.DB, bucket []byte) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, aura.Errorf(aura.KindStorage, "creating bucket: %v", err)
	}
	return &BoltStore{db: db, bucket: bucket}, nil
}

// Read implements Storage.
func (b *BoltStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(b.bucket).Get([]byte(key))
		if v != nil {
			// bbolt values are only valid inside the transaction.
			out = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, aura.Errorf(aura.KindStorage, "read %s: %v", key, err)
	}
	return out, out != nil, nil
}

// Write implements Storage.
func (b *BoltStore) Write(ctx context.Context, key string, value []byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), append([]byte{}, value...))
	})
	if err != nil {
		return aura.Errorf(aura.KindStorage, "write %s: %v", key, err)
	}
	return nil
}

// Delete implements Storage.
func (b *BoltStore) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	})
	if err != nil {
		return aura.Errorf(aura.KindStorage, "delete %s: %v", key, err)
	}
	return nil
}

// ListKeys implements Storage. bbolt keeps keys sorted, so a cursor seek
// to the prefix returns them in order.
func (b *BoltStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, aura.Errorf(aura.KindStorage, "list %s: %v", prefix, err)
	}
	return keys, nil
}

// Close closes the database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
