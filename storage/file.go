// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/katzenpost/hpqc/rand"
)

const (
	keySize   = 32
	nonceSize = 24

	// fileFormatVersion is the on-disk envelope version, prepended to the
	// ciphertext.
	fileFormatVersion = 1
)

var (
	// ErrDecryptFailed is returned when the store file cannot be
	// authenticated with the derived key.
	ErrDecryptFailed = errors.New("storage: failed to decrypt store file")
)

// fileBackend stores the candidate blob in a single file encrypted with an
// AEAD (NaCl secretbox) under an argon2 stretched key.  Writes go to a
// temporary file which is fsynced and renamed over the target, so a crash
// mid-write never leaves a corrupt store.
type fileBackend struct {
	path string
	key  *[keySize]byte
}

// NewFileBackend constructs a Backend storing the encrypted blob at path,
// keyed by the given passphrase.
func NewFileBackend(path string, passphrase []byte) Backend {
	return &fileBackend{
		path: path,
		key:  stretchKey(passphrase),
	}
}

func stretchKey(passphrase []byte) *[keySize]byte {
	secret := argon2.Key(passphrase, nil, 3, 32*1024, 4, keySize)
	key := [keySize]byte{}
	copy(key[:], secret)
	return &key
}

func (b *fileBackend) Load() ([]byte, error) {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) < 1+nonceSize+secretbox.Overhead {
		return nil, ErrDecryptFailed
	}
	if raw[0] != fileFormatVersion {
		return nil, fmt.Errorf("storage: unsupported store file version: %d", raw[0])
	}

	nonce := [nonceSize]byte{}
	copy(nonce[:], raw[1:1+nonceSize])
	plaintext, ok := secretbox.Open(nil, raw[1+nonceSize:], &nonce, b.key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func (b *fileBackend) Save(blob []byte) error {
	nonce := [nonceSize]byte{}
	if _, err := rand.Reader.Read(nonce[:]); err != nil {
		return err
	}
	ciphertext := make([]byte, 0, 1+nonceSize+len(blob)+secretbox.Overhead)
	ciphertext = append(ciphertext, fileFormatVersion)
	ciphertext = append(ciphertext, nonce[:]...)
	ciphertext = secretbox.Seal(ciphertext, blob, &nonce, b.key)

	tmpFn := fmt.Sprintf("%s.tmp", b.path)
	out, err := os.OpenFile(tmpFn, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err = out.Write(ciphertext); err != nil {
		out.Close()
		return err
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}

	if err = os.Rename(tmpFn, b.path); err != nil {
		return err
	}

	dir, err := os.Open(filepath.Dir(b.path))
	if err != nil {
		return err
	}
	if err = dir.Sync(); err != nil {
		dir.Close()
		return err
	}
	return dir.Close()
}

func (b *fileBackend) Close() error {
	return nil
}
