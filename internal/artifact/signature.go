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
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"

	"github.com/pkg/errors"
)

// Verifier checks a signature over a message using one public key. Callers
// supply one Verifier per configured key; mender-artifact's own signers
// (signer_nopkcs11.go in the reference library) use the same stdlib
// primitives directly rather than through a cgo OpenSSL binding, which is
// why this package does the same instead of pulling in
// github.com/mendersoftware/openssl — see DESIGN.md.
type Verifier interface {
	Verify(message, signature []byte) error
}

// RSAVerifier verifies PKCS#1 v1.5 signatures made with an RSA key,
// matching mender-artifact's RSA signer.
type RSAVerifier struct {
	Key *rsa.PublicKey
}

func (v *RSAVerifier) Verify(message, signature []byte) error {
	hashed := sha256.Sum256(message)
	if err := rsa.VerifyPKCS1v15(v.Key, crypto.SHA256, hashed[:], signature); err != nil {
		return errors.Wrap(err, "rsa signature verification failed")
	}
	return nil
}

// ECDSAVerifier verifies ASN.1 DER-encoded ECDSA signatures, matching
// mender-artifact's ECDSA signer.
type ECDSAVerifier struct {
	Key *ecdsa.PublicKey
}

func (v *ECDSAVerifier) Verify(message, signature []byte) error {
	hashed := sha256.Sum256(message)
	if !ecdsa.VerifyASN1(v.Key, hashed[:], signature) {
		return errors.New("ecdsa signature verification failed")
	}
	return nil
}

// VerifierFromPublicKeyPEM parses a DER-encoded PKIX public key (RSA or
// ECDSA), i.e. the bytes of an already-decoded PEM block, and returns the
// matching Verifier.
func VerifierFromPublicKeyPEM(der []byte) (Verifier, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse public key")
	}
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return &RSAVerifier{Key: key}, nil
	case *ecdsa.PublicKey:
		return &ECDSAVerifier{Key: key}, nil
	default:
		return nil, errors.Errorf("unsupported public key type %T", pub)
	}
}

// verifySignature tries each configured key in order, per spec: verification
// succeeds as soon as one key validates; it fails only once all have been
// tried.
func verifySignature(keys []Verifier, message, signature []byte) error {
	if len(keys) == 0 {
		return nil
	}
	var lastErr error
	for _, key := range keys {
		if err := key.Verify(message, signature); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return &SignatureVerificationError{
		msg: "no configured key validated the manifest signature: " + lastErr.Error(),
	}
}
