// Package storage keeps a journal of task runs in a bbolt database
package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"

	"github.com/DevianKeno/be-ts-template/pkg/buildsys"
)

var (
	invocationBucket = []byte("invocations")
	runBucket        = []byte("runs")
)

// Journal records every task of every invocation. It implements buildsys.Recorder.
type Journal struct {
	db *bolt.DB
}

var _ buildsys.Recorder = (*Journal)(nil)

// Open opens (or creates) the journal at path
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "failed to create directory for %s", path)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open journal %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{invocationBucket, runBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to initialize journal")
	}

	return &Journal{db: db}, nil
}

// Close releases the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// NextInvocation returns a new invocation id. Ids keep increasing across process restarts.
func (j *Journal) NextInvocation() (uint64, error) {
	var id uint64
	err := j.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = tx.Bucket(invocationBucket).NextSequence()
		if err != nil {
			return err
		}

		return tx.Bucket(invocationBucket).Put(encodeKey(id, 0), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return 0, eris.Wrap(err, "failed to allocate invocation id")
	}
	return id, nil
}

// Record stores rec under its invocation
func (j *Journal) Record(ctx context.Context, rec buildsys.RunRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return eris.Wrapf(err, "failed to encode run of %s", rec.Task)
	}

	return j.db.Batch(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(runBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}

		return bucket.Put(encodeKey(rec.Invocation, seq), buf.Bytes())
	})
}

// Invocation returns all tasks recorded for id in completion order
func (j *Journal) Invocation(ctx context.Context, id uint64) ([]buildsys.RunRecord, error) {
	result := make([]buildsys.RunRecord, 0)
	prefix := encodeKey(id, 0)[:8]

	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(runBucket).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			result = append(result, rec)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read invocation %d", id)
	}
	return result, nil
}

// History returns up to limit of the most recent records, newest first. A limit <= 0 returns everything.
func (j *Journal) History(ctx context.Context, limit int) ([]buildsys.RunRecord, error) {
	result := make([]buildsys.RunRecord, 0)

	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(runBucket).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(result) >= limit {
				break
			}

			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			result = append(result, rec)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to read history")
	}
	return result, nil
}

func encodeKey(invocation, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], invocation)
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

func decodeRecord(value []byte) (buildsys.RunRecord, error) {
	var rec buildsys.RunRecord
	err := gob.NewDecoder(bytes.NewReader(value)).Decode(&rec)
	return rec, err
}
