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

import "sync"

// MemStore is an in-memory Database used by tests in place of LMDBStore.
// A failed write transaction (non-nil return from fn) leaves the store
// exactly as it was before the transaction started, the same atomicity
// LMDBStore gets for free from the underlying environment.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (ms *MemStore) Close() error { return nil }

func (ms *MemStore) Read(key string) ([]byte, error) {
	var out []byte
	err := ms.ReadTransaction(func(tx Transaction) error {
		var err error
		out, err = tx.Read(key)
		return err
	})
	return out, err
}

func (ms *MemStore) Write(key string, value []byte) error {
	return ms.WriteTransaction(func(tx Transaction) error {
		return tx.Write(key, value)
	})
}

func (ms *MemStore) Remove(key string) error {
	return ms.WriteTransaction(func(tx Transaction) error {
		return tx.Remove(key)
	})
}

type memTxn struct {
	data map[string][]byte
}

func (t *memTxn) Read(key string) ([]byte, error) {
	v, ok := t.data[key]
	if !ok {
		return nil, &KeyError{Key: key}
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *memTxn) Write(key string, value []byte) error {
	out := make([]byte, len(value))
	copy(out, value)
	t.data[key] = out
	return nil
}

func (t *memTxn) Remove(key string) error {
	delete(t.data, key)
	return nil
}

func (ms *MemStore) WriteTransaction(fn func(tx Transaction) error) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	scratch := make(map[string][]byte, len(ms.data))
	for k, v := range ms.data {
		scratch[k] = v
	}
	tx := &memTxn{data: scratch}
	if err := fn(tx); err != nil {
		return err
	}
	ms.data = scratch
	return nil
}

func (ms *MemStore) ReadTransaction(fn func(tx Transaction) error) error {
	ms.mu.RLock()
	snapshot := make(map[string][]byte, len(ms.data))
	for k, v := range ms.data {
		snapshot[k] = v
	}
	ms.mu.RUnlock()

	return fn(&memTxn{data: snapshot})
}
