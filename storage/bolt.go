// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	candidatesBucket = "candidates"
	metadataBucket   = "metadata"
	versionKey       = "version"
	blobKey          = "blob"

	boltFormatVersion = 1
)

// boltBackend stores the candidate blob in a bbolt database under a single
// key, encrypted with the same AEAD construction as the file backend.  The
// transactional put gives the atomic-replace guarantee on platforms where a
// database file beats a bare statefile.
type boltBackend struct {
	db  *bolt.DB
	key *[keySize]byte
}

// NewBoltBackend creates (or loads) a bbolt backed Backend at the database
// file f, keyed by the given passphrase.
func NewBoltBackend(f string, passphrase []byte) (Backend, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	b := &boltBackend{
		db:  db,
		key: stretchKey(passphrase),
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		mBkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(candidatesBucket)); err != nil {
			return err
		}
		if v := mBkt.Get([]byte(versionKey)); v != nil {
			if len(v) != 1 || v[0] != boltFormatVersion {
				return fmt.Errorf("storage: unsupported bolt store version: %v", v)
			}
			return nil
		}
		return mBkt.Put([]byte(versionKey), []byte{boltFormatVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return b, nil
}

func (b *boltBackend) Load() ([]byte, error) {
	var raw []byte
	if err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(candidatesBucket))
		if v := bkt.Get([]byte(blobKey)); v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return nil, ErrDecryptFailed
	}

	nonce := [nonceSize]byte{}
	copy(nonce[:], raw[:nonceSize])
	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, b.key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func (b *boltBackend) Save(blob []byte) error {
	nonce := [nonceSize]byte{}
	if _, err := rand.Reader.Read(nonce[:]); err != nil {
		return err
	}
	ciphertext := append(nonce[:], secretbox.Seal(nil, blob, &nonce, b.key)...)

	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(candidatesBucket))
		return bkt.Put([]byte(blobKey), ciphertext)
	})
}

func (b *boltBackend) Close() error {
	b.db.Sync()
	return b.db.Close()
}
