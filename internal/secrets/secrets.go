// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets encrypts and decrypts stored mailbox credentials with
// Fernet symmetric encryption, keyed by a process-wide secret.
package secrets

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// ErrDecrypt signals that a ciphertext could not be verified and decrypted,
// most likely because the process key is wrong or has been rotated. Callers
// must treat this as a fatal re-authorization condition, never as garbage
// plaintext.
var ErrDecrypt = errors.New("secrets: decryption failed (wrong or rotated key)")

// Codec encrypts and decrypts strings with a single Fernet key.
type Codec struct {
	key *fernet.Key
}

// NewCodec builds a codec from a base64-encoded Fernet key.
func NewCodec(encodedKey string) (*Codec, error) {
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return &Codec{key: key}, nil
}

// Encrypt returns the Fernet token for plaintext.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), c.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt verifies and decrypts a Fernet token. Tokens never expire here;
// credential lifetime is managed at the account level.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{c.key})
	if msg == nil {
		return "", ErrDecrypt
	}
	return string(msg), nil
}

// GenerateKey creates a new base64-encoded Fernet key. Run once at setup;
// the key then lives in the environment.
func GenerateKey() (string, error) {
	key := new(fernet.Key)
	if err := key.Generate(); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return key.Encode(), nil
}
