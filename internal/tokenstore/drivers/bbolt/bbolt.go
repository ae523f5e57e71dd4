// Package bbolt is the alternative durable token backend over a bbolt file.
package bbolt

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// DefaultBucket holds the token entries unless another bucket is given.
const DefaultBucket = "authclient"

type Backend struct {
	db     *bbolt.DB
	bucket []byte
}

// Open opens the database at path and ensures the bucket exists.
func Open(path, bucket string) (*Backend, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}

	b := &Backend{db: db, bucket: []byte(bucket)}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %q: %w", bucket, err)
	}
	return b, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) Load(_ context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		for _, k := range keys {
			// Values are only valid for the life of the transaction.
			if v := bkt.Get([]byte(k)); v != nil {
				out[k] = string(v)
			}
		}
		return nil
	})
	return out, err
}

func (b *Backend) Store(_ context.Context, entries map[string]string, _ time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		for k, v := range entries {
			var err error
			if v == "" {
				err = bkt.Delete([]byte(k))
			} else {
				err = bkt.Put([]byte(k), []byte(v))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) Remove(_ context.Context, keys ...string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		for _, k := range keys {
			if err := bkt.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}
