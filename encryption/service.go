// Copyright 2022 The ssecast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/alwitt/ssecast/common"
	"github.com/apex/log"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrNoKey no key can exist for the target (e.g. no user identity)
var ErrNoKey = errors.New("no encryption key for target")

// keyDerivationInfo domain separation label for per user key derivation
const keyDerivationInfo = "ssecast/user-key/v1"

// Ciphertext an encrypted payload
type Ciphertext struct {
	// Nonce the per message random nonce
	Nonce []byte `json:"nonce"`
	// Data the sealed payload, including the authentication tag
	Data []byte `json:"ciphertext"`
}

// Service encrypts and decrypts payloads with per user symmetric keys
type Service interface {
	// Encrypt seal a payload for a user, creating the user's key on first use
	Encrypt(userID string, plaintext []byte) (Ciphertext, error)
	// Decrypt open a payload sealed for a user
	Decrypt(userID string, ciphertext Ciphertext) ([]byte, error)
	// HasKey whether a key was already created for the user
	HasKey(userID string) bool
	// Forget drop the cached key of a user. A later use derives the same key again.
	Forget(userID string)
}

// serviceImpl implements Service
type serviceImpl struct {
	common.Component
	masterSecret []byte
	lock         sync.RWMutex
	keys         map[string]cipher.AEAD
	random       io.Reader
}

// GetService define a new encryption Service. Keys only live as long as the process;
// ciphertexts produced before a restart can not be opened after it.
func GetService() (Service, error) {
	logTags := log.Fields{"module": "encryption", "component": "user-key-aead"}
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to generate master secret")
		return nil, err
	}
	return &serviceImpl{
		Component:    common.Component{LogTags: logTags},
		masterSecret: secret,
		keys:         make(map[string]cipher.AEAD),
		random:       rand.Reader,
	}, nil
}

// userAEAD fetch the user's AEAD, deriving it if needed
func (s *serviceImpl) userAEAD(userID string, create bool) (cipher.AEAD, error) {
	if userID == "" {
		return nil, ErrNoKey
	}
	s.lock.RLock()
	aead, ok := s.keys[userID]
	s.lock.RUnlock()
	if ok {
		return aead, nil
	}
	if !create {
		return nil, ErrNoKey
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if aead, ok := s.keys[userID]; ok {
		return aead, nil
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, s.masterSecret, []byte(userID), []byte(keyDerivationInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Key derivation failed for %s", userID)
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("AEAD setup failed for %s", userID)
		return nil, err
	}
	s.keys[userID] = aead
	log.WithFields(s.LogTags).Debugf("Created key for %s", userID)
	return aead, nil
}

// Encrypt seal a payload for a user
func (s *serviceImpl) Encrypt(userID string, plaintext []byte) (Ciphertext, error) {
	aead, err := s.userAEAD(userID, true)
	if err != nil {
		return Ciphertext{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Nonce generation failed")
		return Ciphertext{}, err
	}
	return Ciphertext{
		Nonce: nonce, Data: aead.Seal(nil, nonce, plaintext, []byte(userID)),
	}, nil
}

// Decrypt open a payload sealed for a user
func (s *serviceImpl) Decrypt(userID string, ciphertext Ciphertext) ([]byte, error) {
	aead, err := s.userAEAD(userID, false)
	if err != nil {
		return nil, err
	}
	if len(ciphertext.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf(
			"nonce is %d bytes, expected %d", len(ciphertext.Nonce), aead.NonceSize(),
		)
	}
	plaintext, err := aead.Open(nil, ciphertext.Nonce, ciphertext.Data, []byte(userID))
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Warnf("Failed to open payload for %s", userID)
		return nil, err
	}
	return plaintext, nil
}

// HasKey whether a key was already created for the user
func (s *serviceImpl) HasKey(userID string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.keys[userID]
	return ok
}

// Forget drop the cached key of a user. A later use derives the same key again.
func (s *serviceImpl) Forget(userID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.keys, userID)
}
