// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package authserver implements the minimal authentication server that
// answers the challenge/response handshake.  It holds the relay private
// key and is a thin shell with no detection logic; the engine treats it as
// an external collaborator.
package authserver

import (
	stdcrypto "crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"
)

type challengeRequest struct {
	Data string `json:"data"`
}

type challengeReply struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

type errorReply struct {
	Error string `json:"error"`
}

// Server answers the handshake with the relay private key.
type Server struct {
	log  *logging.Logger
	priv *rsa.PrivateKey
}

// New constructs a Server from a PEM encoded RSA private key.  Both PKCS#1
// "RSA PRIVATE KEY" and PKCS#8 "PRIVATE KEY" blocks are accepted.
func New(log *logging.Logger, privPEM []byte) (*Server, error) {
	blk, _ := pem.Decode(privPEM)
	if blk == nil {
		return nil, fmt.Errorf("authserver: no PEM block found")
	}

	var priv *rsa.PrivateKey
	switch blk.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(blk.Bytes)
		if err != nil {
			return nil, fmt.Errorf("authserver: PKCS#1 parse: %v", err)
		}
		priv = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
		if err != nil {
			return nil, fmt.Errorf("authserver: PKCS#8 parse: %v", err)
		}
		rsaPriv, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("authserver: not an RSA private key: %T", k)
		}
		priv = rsaPriv
	default:
		return nil, fmt.Errorf("authserver: unexpected PEM block type: '%v'", blk.Type)
	}

	return &Server{log: log, priv: priv}, nil
}

// NewFromKey constructs a Server directly from an RSA private key.
func NewFromKey(log *logging.Logger, priv *rsa.PrivateKey) *Server {
	return &Server{log: log, priv: priv}
}

// RegisterRoutes registers the handshake and liveness routes.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Recoverer)

	r.Post("/", s.handleChallenge)
	r.Post("/passgfw", s.handleChallenge)
	r.Get("/health", s.handleHealth)
}

// Router returns a ready-to-serve handler, mainly for tests and the
// standalone daemon.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	s.RegisterRoutes(r)
	return r
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Data == "" {
		s.writeError(w, http.StatusBadRequest, "missing data field")
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "data is not valid base64")
		return
	}

	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, s.priv, ciphertext)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "challenge decryption failed")
		return
	}

	digest := sha256.Sum256(plaintext)
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.priv, stdcrypto.SHA256, digest[:])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "signing failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(&challengeReply{
		Data:      string(plaintext),
		Signature: base64.StdEncoding.EncodeToString(signature),
	}); err != nil {
		s.log.Warningf("Failed to write challenge reply: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.log.Debugf("Rejecting handshake: %v", msg)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(&errorReply{Error: msg}); err != nil {
		s.log.Warningf("Failed to write error reply: %v", err)
	}
}
