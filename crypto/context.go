// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto implements the challenge/response primitives that prove a
// responder possesses the relay private key.
package crypto

import (
	stdcrypto "crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/katzenpost/hpqc/rand"
)

// KeyError is the fatal error returned when the embedded public key
// material is malformed.  It is only possible at Context construction time
// and indicates a build problem, not a runtime condition.
type KeyError struct {
	// Err is the original error describing the malformed key material.
	Err error
}

// Error implements the error interface.
func (e *KeyError) Error() string {
	return fmt.Sprintf("crypto: malformed key material: %v", e.Err)
}

func newKeyError(f string, a ...interface{}) error {
	return &KeyError{Err: fmt.Errorf(f, a...)}
}

// Context holds the relay public key and performs asymmetric encryption and
// signature verification.  A Context is immutable and safe for concurrent
// use.
type Context struct {
	pub *rsa.PublicKey
}

// NewContext constructs a Context from a PEM encoded RSA public key.  Both
// PKIX "PUBLIC KEY" and PKCS#1 "RSA PUBLIC KEY" blocks are accepted.
func NewContext(pubPEM []byte) (*Context, error) {
	blk, _ := pem.Decode(pubPEM)
	if blk == nil {
		return nil, newKeyError("no PEM block found")
	}

	var pub *rsa.PublicKey
	switch blk.Type {
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(blk.Bytes)
		if err != nil {
			return nil, newKeyError("PKCS#1 parse: %v", err)
		}
		pub = k
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(blk.Bytes)
		if err != nil {
			return nil, newKeyError("PKIX parse: %v", err)
		}
		rsaPub, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, newKeyError("not an RSA public key: %T", k)
		}
		pub = rsaPub
	default:
		return nil, newKeyError("unexpected PEM block type: '%v'", blk.Type)
	}

	return &Context{pub: pub}, nil
}

// NewContextFromKey constructs a Context directly from an RSA public key.
func NewContextFromKey(pub *rsa.PublicKey) (*Context, error) {
	if pub == nil || pub.N == nil {
		return nil, newKeyError("nil RSA public key")
	}
	return &Context{pub: pub}, nil
}

// EncryptChallenge encrypts an application chosen challenge payload under
// the relay public key using RSA with PKCS#1 v1.5 padding.  The payload
// must fit the modulus; oversized payloads are a programmer error and are
// reported as a KeyError.
func (c *Context) EncryptChallenge(payload []byte) ([]byte, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, c.pub, payload)
	if err != nil {
		return nil, newKeyError("encrypt: %v", err)
	}
	return ct, nil
}

// VerifyResponse recomputes SHA-256 over plaintext and verifies signature
// against it under the relay public key with PKCS#1 v1.5 padding.  It
// returns false on any verification failure, including malformed signature
// bytes, and never panics.
func (c *Context) VerifyResponse(plaintext, signature []byte) bool {
	digest := sha256.Sum256(plaintext)
	return rsa.VerifyPKCS1v15(c.pub, stdcrypto.SHA256, digest[:], signature) == nil
}
