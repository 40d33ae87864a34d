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

// Package kvstore implements the transactional, crash-safe string->bytes
// store that backs the deployment database (spec §4.A).
package kvstore

import "github.com/pkg/errors"

// KeyError is returned by Read (and by transaction handles) when the
// requested key does not exist.
type KeyError struct {
	Key string
}

func (e *KeyError) Error() string {
	return "kvstore: key not found: " + e.Key
}

// IsKeyError reports whether err is a KeyError (or wraps one).
func IsKeyError(err error) bool {
	_, ok := errors.Cause(err).(*KeyError)
	return ok
}

// Transaction is the handle passed to the function argument of
// WriteTransaction/ReadTransaction. It exposes the same three primitives as
// Database, scoped to the enclosing transaction.
type Transaction interface {
	Read(key string) ([]byte, error)
	Write(key string, value []byte) error
	Remove(key string) error
}

// Database is the opaque contract the rest of the core depends on. A single
// process owns a given on-disk file; concurrent access from more than one
// process to the same file is unsupported (mender-auth and mender-update
// keep distinct databases, per spec §4.A).
type Database interface {
	Read(key string) ([]byte, error)
	Write(key string, value []byte) error
	Remove(key string) error

	// WriteTransaction runs fn with a handle bound to one LMDB write
	// transaction. A non-nil return rolls the transaction back; a nil
	// return commits atomically.
	WriteTransaction(fn func(tx Transaction) error) error

	// ReadTransaction runs fn with a handle bound to one LMDB read-only
	// transaction, giving a consistent snapshot across multiple reads.
	ReadTransaction(fn func(tx Transaction) error) error

	Close() error
}
