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
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestEncryptionBasic(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetService()
	assert.Nil(err)

	plaintext := []byte(`{"headline":"hello"}`)

	// Case 0: no key before first use
	assert.False(uut.HasKey("user-a"))
	_, err = uut.Decrypt("user-a", Ciphertext{})
	assert.ErrorIs(err, ErrNoKey)

	// Case 1: round trip
	sealed, err := uut.Encrypt("user-a", plaintext)
	assert.Nil(err)
	assert.True(uut.HasKey("user-a"))
	assert.Len(sealed.Nonce, 24)
	assert.False(bytes.Contains(sealed.Data, plaintext))
	opened, err := uut.Decrypt("user-a", sealed)
	assert.Nil(err)
	assert.Equal(plaintext, opened)

	// Case 2: fresh nonce every call
	sealed2, err := uut.Encrypt("user-a", plaintext)
	assert.Nil(err)
	assert.NotEqual(sealed.Nonce, sealed2.Nonce)
	assert.NotEqual(sealed.Data, sealed2.Data)

	// Case 3: other users can't open it
	_, err = uut.Encrypt("user-b", plaintext)
	assert.Nil(err)
	_, err = uut.Decrypt("user-b", sealed)
	assert.NotNil(err)

	// Case 4: tampering is detected
	tampered := Ciphertext{Nonce: sealed.Nonce, Data: append([]byte{}, sealed.Data...)}
	tampered.Data[0] ^= 0xff
	_, err = uut.Decrypt("user-a", tampered)
	assert.NotNil(err)
	_, err = uut.Decrypt("user-a", Ciphertext{Nonce: []byte{1, 2, 3}, Data: sealed.Data})
	assert.NotNil(err)

	// Case 5: no identity, no key
	_, err = uut.Encrypt("", plaintext)
	assert.True(errors.Is(err, ErrNoKey))

	// Case 6: forgetting a key and deriving it again still opens old payloads
	uut.Forget("user-a")
	assert.False(uut.HasKey("user-a"))
	_, err = uut.Encrypt("user-a", plaintext)
	assert.Nil(err)
	opened, err = uut.Decrypt("user-a", sealed)
	assert.Nil(err)
	assert.Equal(plaintext, opened)
}

func TestEncryptionInstancesAreIsolated(t *testing.T) {
	assert := assert.New(t)

	first, err := GetService()
	assert.Nil(err)
	second, err := GetService()
	assert.Nil(err)

	sealed, err := first.Encrypt("user-a", []byte("payload"))
	assert.Nil(err)
	_, err = second.Encrypt("user-a", []byte("payload"))
	assert.Nil(err)
	// a new process (instance) can not open older ciphertexts
	_, err = second.Decrypt("user-a", sealed)
	assert.NotNil(err)
}

func TestCiphertextJSON(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetService()
	assert.Nil(err)
	sealed, err := uut.Encrypt("user-a", []byte("payload"))
	assert.Nil(err)

	encoded, err := json.Marshal(&sealed)
	assert.Nil(err)
	var fields map[string]string
	assert.Nil(json.Unmarshal(encoded, &fields))
	assert.Contains(fields, "nonce")
	assert.Contains(fields, "ciphertext")

	var decoded Ciphertext
	assert.Nil(json.Unmarshal(encoded, &decoded))
	opened, err := uut.Decrypt("user-a", decoded)
	assert.Nil(err)
	assert.Equal([]byte("payload"), opened)
}
