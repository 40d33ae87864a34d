// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package kvstore

import (
	"os"
	"path/filepath"

	"github.com/bmatsuo/lmdb-go/lmdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// FileName is the name of the single LMDB data file inside the data store
// directory, matching the teacher's DBStoreName.
const FileName = "mender-store"

// LMDBStore is a Database backed by a single-file LMDB environment.
type LMDBStore struct {
	env *lmdb.Env
}

// Open opens (or creates) the LMDB-backed database under dirpath. If a file
// already exists at the target path but cannot be opened as an LMDB
// environment, it is renamed aside with a "-broken" suffix and a fresh
// database is created in its place. This recovery is one-shot: if the
// rename target itself already exists we give up rather than loop forever
// renaming broken files.
func Open(dirpath string) (*LMDBStore, error) {
	dbPath := filepath.Join(dirpath, FileName)

	env, err := newEnv(dbPath)
	if err != nil {
		log.Errorf("kvstore: failed to open database %q: %s", dbPath, err)

		brokenPath := dbPath + "-broken"
		if _, statErr := os.Stat(brokenPath); statErr == nil {
			return nil, errors.Wrapf(err,
				"kvstore: database %q is unreadable and %q already exists, "+
					"refusing to rename again", dbPath, brokenPath)
		}
		if renameErr := os.Rename(dbPath, brokenPath); renameErr != nil {
			return nil, errors.Wrapf(err,
				"kvstore: database %q is unreadable and could not be moved aside: %s",
				dbPath, renameErr)
		}
		log.Warnf("kvstore: moved unreadable database to %q, starting fresh", brokenPath)

		env, err = newEnv(dbPath)
		if err != nil {
			return nil, errors.Wrapf(err, "kvstore: failed to create fresh database %q", dbPath)
		}
	}

	return &LMDBStore{env: env}, nil
}

func newEnv(dbPath string) (*lmdb.Env, error) {
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, err
	}
	if err := env.Open(dbPath, lmdb.NoSubdir, 0600); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (db *LMDBStore) Close() error {
	if db.env == nil {
		return nil
	}
	err := db.env.Close()
	db.env = nil
	if err != nil {
		return errors.Wrap(err, "kvstore: failed to close database")
	}
	return nil
}

func (db *LMDBStore) Read(key string) ([]byte, error) {
	var out []byte
	err := db.ReadTransaction(func(tx Transaction) error {
		var err error
		out, err = tx.Read(key)
		return err
	})
	return out, err
}

func (db *LMDBStore) Write(key string, value []byte) error {
	return db.WriteTransaction(func(tx Transaction) error {
		return tx.Write(key, value)
	})
}

func (db *LMDBStore) Remove(key string) error {
	return db.WriteTransaction(func(tx Transaction) error {
		return tx.Remove(key)
	})
}

type lmdbTxn struct {
	txn *lmdb.Txn
	dbi lmdb.DBI
}

func (t *lmdbTxn) Read(key string) ([]byte, error) {
	data, err := t.txn.Get(t.dbi, []byte(key))
	if err != nil {
		if lmdb.IsNotFound(err) {
			return nil, &KeyError{Key: key}
		}
		return nil, errors.Wrapf(err, "kvstore: failed to read key %q", key)
	}
	// Copy out: the buffer returned by Get is only valid for the
	// lifetime of the transaction.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (t *lmdbTxn) Write(key string, value []byte) error {
	if err := t.txn.Put(t.dbi, []byte(key), value, 0); err != nil {
		return errors.Wrapf(err, "kvstore: failed to write key %q", key)
	}
	return nil
}

func (t *lmdbTxn) Remove(key string) error {
	err := t.txn.Del(t.dbi, []byte(key), nil)
	if err != nil {
		if opErr, ok := err.(*lmdb.OpError); ok && opErr.Errno == lmdb.NotFound {
			return nil
		}
		return errors.Wrapf(err, "kvstore: failed to remove key %q", key)
	}
	return nil
}

func (db *LMDBStore) WriteTransaction(fn func(tx Transaction) error) error {
	if db.env == nil {
		return errors.New("kvstore: database not initialized")
	}
	err := db.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		return fn(&lmdbTxn{txn: txn, dbi: dbi})
	})
	if err != nil {
		return errors.Wrap(err, "kvstore: write transaction failed")
	}
	return nil
}

func (db *LMDBStore) ReadTransaction(fn func(tx Transaction) error) error {
	if db.env == nil {
		return errors.New("kvstore: database not initialized")
	}
	err := db.env.View(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		return fn(&lmdbTxn{txn: txn, dbi: dbi})
	})
	if err != nil {
		return errors.Wrap(err, "kvstore: read transaction failed")
	}
	return nil
}
