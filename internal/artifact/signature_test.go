// Copyright 2022 Northern.tech AS
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

package artifact

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSAVerifierAcceptsValidSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	message := []byte("manifest bytes")
	hashed := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	require.NoError(t, err)

	v := &RSAVerifier{Key: &key.PublicKey}
	assert.NoError(t, v.Verify(message, sig))
}

func TestRSAVerifierRejectsTamperedMessage(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	hashed := sha256.Sum256([]byte("original"))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	require.NoError(t, err)

	v := &RSAVerifier{Key: &key.PublicKey}
	assert.Error(t, v.Verify([]byte("tampered"), sig))
}

func TestVerifySignatureTriesKeysInOrder(t *testing.T) {
	k1, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	k2, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	message := []byte("manifest bytes")
	hashed := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, k2, crypto.SHA256, hashed[:])
	require.NoError(t, err)

	keys := []Verifier{
		&RSAVerifier{Key: &k1.PublicKey},
		&RSAVerifier{Key: &k2.PublicKey},
	}
	assert.NoError(t, verifySignature(keys, message, sig))
}

func TestVerifySignatureFailsWhenNoKeyMatches(t *testing.T) {
	k1, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	message := []byte("manifest bytes")
	hashed := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, other, crypto.SHA256, hashed[:])
	require.NoError(t, err)

	keys := []Verifier{&RSAVerifier{Key: &k1.PublicKey}}
	err = verifySignature(keys, message, sig)
	require.Error(t, err)
	assert.IsType(t, &SignatureVerificationError{}, err)
}

func TestVerifySignatureNoKeysConfiguredIsNotAnError(t *testing.T) {
	assert.NoError(t, verifySignature(nil, []byte("anything"), []byte("garbage")))
}
