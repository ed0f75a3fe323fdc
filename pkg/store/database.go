/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/folderindex/folderd/pkg/errdefs"
)

// Bucket names:
// Buckets hierarchy:
//	- v1:
//		- models
var (
	v1RootBucket = []byte("v1")
	versionKey   = []byte("version")
	// Curated model installation state. Backend caches on disk stay the
	// source of truth; these records carry lastChecked and the last
	// download error across daemon restarts.
	modelsBucket = []byte("models")
)

// ModelState is the persisted record for one curated model.
type ModelState struct {
	ModelID       string    `json:"model_id"`
	Installed     bool      `json:"installed"`
	DownloadError string    `json:"download_error,omitempty"`
	LastChecked   time.Time `json:"last_checked"`
	InstalledAt   time.Time `json:"installed_at"`
}

// Database keeps infos that need to survive among daemon restart
type Database struct {
	db *bolt.DB
}

// NewDatabase creates a new or open existing database file
func NewDatabase(path string) (*Database, error) {
	if err := ensureDirectory(filepath.Dir(path)); err != nil {
		return nil, err
	}

	opts := bolt.Options{Timeout: time.Second * 4}

	db, err := bolt.Open(path, 0600, &opts)
	if err != nil {
		return nil, err
	}
	d := &Database{db: db}
	if err := d.initDatabase(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize database")
	}
	return d, nil
}

func ensureDirectory(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0700)
	}

	return nil
}

func getModelsBucket(tx *bolt.Tx) *bolt.Bucket {
	bucket := tx.Bucket(v1RootBucket)
	return bucket.Bucket(modelsBucket)
}

func updateObject(bucket *bolt.Bucket, key string, obj interface{}) error {
	keyBytes := []byte(key)

	value, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "marshall key %s", key)
	}

	if err := bucket.Put(keyBytes, value); err != nil {
		return errors.Wrapf(err, "put key %s", key)
	}

	return nil
}

func putObject(bucket *bolt.Bucket, key string, obj interface{}) error {
	keyBytes := []byte(key)

	if bucket.Get(keyBytes) != nil {
		return errors.Wrapf(errdefs.ErrAlreadyExists, "object with key %q", key)
	}

	value, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "marshall %s", key)
	}

	if err := bucket.Put(keyBytes, value); err != nil {
		return errors.Wrapf(err, "put key %s", key)
	}

	return nil
}

// A basic wrapper to retrieve a object from bucket.
func getObject(bucket *bolt.Bucket, key string, obj interface{}) error {
	if obj == nil {
		return errdefs.ErrInvalidArgument
	}

	value := bucket.Get([]byte(key))
	if value == nil {
		return errdefs.ErrNotFound
	}

	if err := json.Unmarshal(value, obj); err != nil {
		return errors.Wrapf(err, "unmarshall %s", key)
	}

	return nil
}

func (db *Database) initDatabase() error {
	return db.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(v1RootBucket)
		if err != nil {
			return err
		}

		if _, err := bk.CreateBucketIfNotExists(modelsBucket); err != nil {
			return errors.Wrapf(err, "bucket %s", modelsBucket)
		}

		if val := bk.Get(versionKey); val == nil {
			return bk.Put(versionKey, []byte("v1.0"))
		}

		return nil
	})
}

func (db *Database) Close() error {
	err := db.db.Close()
	if err != nil {
		return errors.Wrapf(err, "failed to close boltdb")
	}

	return nil
}

func (db *Database) SaveModel(ctx context.Context, state *ModelState) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		bucket := getModelsBucket(tx)
		var existing ModelState
		if err := getObject(bucket, state.ModelID, &existing); err == nil {
			return errdefs.ErrAlreadyExists
		}
		return putObject(bucket, state.ModelID, state)
	})
}

func (db *Database) UpdateModel(ctx context.Context, state *ModelState) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		bucket := getModelsBucket(tx)

		var existing ModelState
		if err := getObject(bucket, state.ModelID, &existing); err != nil {
			return err
		}

		return updateObject(bucket, state.ModelID, state)
	})
}

func (db *Database) GetModel(ctx context.Context, modelID string) (*ModelState, error) {
	var state ModelState
	err := db.db.View(func(tx *bolt.Tx) error {
		bucket := getModelsBucket(tx)
		return getObject(bucket, modelID, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (db *Database) DeleteModel(ctx context.Context, modelID string) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		bucket := getModelsBucket(tx)

		if err := bucket.Delete([]byte(modelID)); err != nil {
			return errors.Wrapf(err, "delete model %s", modelID)
		}

		return nil
	})
}

// CleanupModels deletes all model records
func (db *Database) CleanupModels(ctx context.Context) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		bucket := getModelsBucket(tx)

		return bucket.ForEach(func(k, _ []byte) error {
			return bucket.Delete(k)
		})
	})
}

// WalkModels iterates all model records and invokes callback on each
func (db *Database) WalkModels(ctx context.Context, cb func(state *ModelState) error) error {
	return db.db.View(func(tx *bolt.Tx) error {
		bucket := getModelsBucket(tx)

		return bucket.ForEach(func(key, value []byte) error {
			state := &ModelState{}

			if err := json.Unmarshal(value, state); err != nil {
				return errors.Wrapf(err, "unmarshal %s", key)
			}

			return cb(state)
		})
	})
}
