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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func databases(t *testing.T) map[string]Database {
	tmpdir := t.TempDir()
	lmdbStore, err := Open(tmpdir)
	require.NoError(t, err)
	t.Cleanup(func() { lmdbStore.Close() })

	return map[string]Database{
		"lmdb": lmdbStore,
		"mem":  NewMemStore(),
	}
}

func TestReadWriteRemove(t *testing.T) {
	for name, db := range databases(t) {
		t.Run(name, func(t *testing.T) {
			_, err := db.Read("foo")
			assert.True(t, IsKeyError(err))

			for i := 0; i < 3; i++ {
				data := []byte(fmt.Sprintf("foobar-%d", i))
				assert.NoError(t, db.Write("foo", data))

				got, err := db.Read("foo")
				assert.NoError(t, err)
				assert.Equal(t, data, got)
			}

			assert.NoError(t, db.Remove("foo"))
			_, err = db.Read("foo")
			assert.True(t, IsKeyError(err))

			// removing an absent key is not an error
			assert.NoError(t, db.Remove("foo"))
		})
	}
}

func TestWriteTransactionRollsBackOnError(t *testing.T) {
	for name, db := range databases(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Write("k", []byte("v1")))

			sentinel := fmt.Errorf("boom")
			err := db.WriteTransaction(func(tx Transaction) error {
				require.NoError(t, tx.Write("k", []byte("v2")))
				return sentinel
			})
			assert.Equal(t, sentinel, err)

			got, err := db.Read("k")
			assert.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)
		})
	}
}

func TestWriteTransactionCommitsOnNilReturn(t *testing.T) {
	for name, db := range databases(t) {
		t.Run(name, func(t *testing.T) {
			err := db.WriteTransaction(func(tx Transaction) error {
				if err := tx.Write("a", []byte("1")); err != nil {
					return err
				}
				return tx.Write("b", []byte("2"))
			})
			assert.NoError(t, err)

			a, err := db.Read("a")
			assert.NoError(t, err)
			assert.Equal(t, []byte("1"), a)

			b, err := db.Read("b")
			assert.NoError(t, err)
			assert.Equal(t, []byte("2"), b)
		})
	}
}

func TestReadTransactionSnapshot(t *testing.T) {
	for name, db := range databases(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Write("k", []byte("v1")))

			err := db.ReadTransaction(func(tx Transaction) error {
				first, err := tx.Read("k")
				require.NoError(t, err)
				assert.Equal(t, []byte("v1"), first)

				require.NoError(t, db.Write("k", []byte("v2")))

				second, err := tx.Read("k")
				require.NoError(t, err)
				assert.Equal(t, []byte("v1"), second)
				return nil
			})
			assert.NoError(t, err)
		})
	}
}

func TestOpenRecoversFromBrokenFile(t *testing.T) {
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, FileName)

	require.NoError(t, os.WriteFile(dbPath, []byte("not an lmdb file"), 0600))

	db, err := Open(tmpdir)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(dbPath + "-broken")
	assert.NoError(t, err)

	assert.NoError(t, db.Write("k", []byte("v")))
}
