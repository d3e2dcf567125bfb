package memento

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var downloadsBucket = []byte("downloads")

// BoltStore keeps each memento under its position in a single bucket. Writes replace the bucket
// in one transaction, so readers see either the old or the new snapshot.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	return &BoltStore{db}, nil
}

func (me *BoltStore) Read() (raw [][]byte, err error) {
	err = me.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(downloadsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			// Values are only valid for the life of the transaction.
			raw = append(raw, append([]byte(nil), v...))
			return nil
		})
	})
	err = errors.Wrap(err, "reading snapshot")
	return
}

func (me *BoltStore) Write(entries [][]byte) error {
	return errors.Wrap(me.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket(downloadsBucket)
		if err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(downloadsBucket)
		if err != nil {
			return err
		}
		var key [4]byte
		for i, e := range entries {
			binary.BigEndian.PutUint32(key[:], uint32(i))
			if err := b.Put(key[:], e); err != nil {
				return err
			}
		}
		return nil
	}), "writing snapshot")
}

func (me *BoltStore) Close() error {
	return me.db.Close()
}
