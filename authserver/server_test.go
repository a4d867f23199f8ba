// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package authserver

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/rand"

	"github.com/detour-project/detour/core/log"
)

func newTestServer(t *testing.T) (*Server, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return NewFromKey(b.GetLogger("test/authd"), priv), priv
}

func postChallenge(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestHandleChallenge(t *testing.T) {
	require := require.New(t)

	s, priv := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	payload := []byte("deadbeef:12345:1")
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, &priv.PublicKey, payload)
	require.NoError(err)

	body, err := json.Marshal(map[string]string{
		"data": base64.StdEncoding.EncodeToString(ciphertext),
	})
	require.NoError(err)

	for _, path := range []string{"/", "/passgfw"} {
		resp := postChallenge(t, srv, path, string(body))
		require.Equal(http.StatusOK, resp.StatusCode)

		var reply challengeReply
		require.NoError(json.NewDecoder(resp.Body).Decode(&reply))
		resp.Body.Close()

		require.Equal(string(payload), reply.Data)

		sig, err := base64.StdEncoding.DecodeString(reply.Signature)
		require.NoError(err)
		digest := sha256.Sum256([]byte(reply.Data))
		require.NoError(rsa.VerifyPKCS1v15(&priv.PublicKey, stdcrypto.SHA256, digest[:], sig))
	}
}

func TestHandleChallengeRejections(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	// Ciphertext under a key the server does not hold.
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	badCiphertext, err := rsa.EncryptPKCS1v15(rand.Reader, &other.PublicKey, []byte("x"))
	require.NoError(t, err)

	for _, tc := range []struct {
		name string
		body string
	}{
		{"not json", "nope"},
		{"missing data", `{}`},
		{"not base64", `{"data":"!!!"}`},
		{"wrong key", `{"data":"` + base64.StdEncoding.EncodeToString(badCiphertext) + `"}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			resp := postChallenge(t, srv, "/passgfw", tc.body)
			defer resp.Body.Close()
			require.Equal(http.StatusBadRequest, resp.StatusCode)

			var reply errorReply
			require.NoError(json.NewDecoder(resp.Body).Decode(&reply))
			require.NotEmpty(reply.Error)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	require := require.New(t)

	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(err)
	require.JSONEq(`{"status":"ok"}`, buf.String())
}

func TestNewFromPEM(t *testing.T) {
	require := require.New(t)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	b, err := log.New("", "DEBUG", true)
	require.NoError(err)
	logger := b.GetLogger("test/authd")

	t.Run("pkcs1", func(t *testing.T) {
		pemBytes := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(priv),
		})
		_, err := New(logger, pemBytes)
		require.NoError(err)
	})

	t.Run("pkcs8", func(t *testing.T) {
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		require.NoError(err)
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
		_, err = New(logger, pemBytes)
		require.NoError(err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := New(logger, []byte("not pem"))
		require.Error(err)
	})

	t.Run("wrong block type", func(t *testing.T) {
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{0x0}})
		_, err := New(logger, pemBytes)
		require.Error(err)
	})
}
