// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func genTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv
}

func signPayload(t *testing.T, priv *rsa.PrivateKey, payload []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, stdcrypto.SHA256, digest[:])
	require.NoError(t, err)
	return sig
}

func TestNewContext(t *testing.T) {
	require := require.New(t)

	t.Run("default embedded key parses", func(t *testing.T) {
		c, err := NewContext(DefaultPublicKeyPEM)
		require.NoError(err)
		require.NotNil(c)
	})

	t.Run("garbage is a KeyError", func(t *testing.T) {
		_, err := NewContext([]byte("not a pem block"))
		require.Error(err)
		require.IsType(&KeyError{}, err)
	})

	t.Run("wrong block type is a KeyError", func(t *testing.T) {
		_, err := NewContext([]byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"))
		require.Error(err)
		require.IsType(&KeyError{}, err)
	})
}

func TestEncryptChallenge(t *testing.T) {
	require := require.New(t)

	priv := genTestKey(t)
	c, err := NewContextFromKey(&priv.PublicKey)
	require.NoError(err)

	payload := []byte("deadbeef:1234:1")
	ciphertext, err := c.EncryptChallenge(payload)
	require.NoError(err)
	require.NotEqual(payload, ciphertext)

	// Only the private key holder can recover the challenge.
	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
	require.NoError(err)
	require.Equal(payload, plaintext)
}

func TestVerifyResponse(t *testing.T) {
	require := require.New(t)

	priv := genTestKey(t)
	c, err := NewContextFromKey(&priv.PublicKey)
	require.NoError(err)

	payload := []byte("cafebabe:5678:2")
	sig := signPayload(t, priv, payload)

	t.Run("valid signature verifies", func(t *testing.T) {
		require.True(c.VerifyResponse(payload, sig))
	})

	t.Run("plaintext bit flip fails", func(t *testing.T) {
		mutated := append([]byte(nil), payload...)
		mutated[0] ^= 0x01
		require.False(c.VerifyResponse(mutated, sig))
	})

	t.Run("signature bit flip fails", func(t *testing.T) {
		mutated := append([]byte(nil), sig...)
		mutated[0] ^= 0x01
		require.False(c.VerifyResponse(payload, mutated))
	})

	t.Run("truncated signature fails", func(t *testing.T) {
		require.False(c.VerifyResponse(payload, sig[:len(sig)-1]))
	})

	t.Run("empty signature fails", func(t *testing.T) {
		require.False(c.VerifyResponse(payload, nil))
	})

	t.Run("wrong key fails", func(t *testing.T) {
		other := genTestKey(t)
		otherCtx, err := NewContextFromKey(&other.PublicKey)
		require.NoError(err)
		require.False(otherCtx.VerifyResponse(payload, sig))
	})
}
