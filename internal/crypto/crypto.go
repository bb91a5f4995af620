// Package crypto encrypts and decrypts secret values stored in the hosts file.
// An encrypted value looks like ENC[<base64 age payload>].
package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

const (
	prefix = "ENC["
	suffix = "]"
)

var ErrNotEncrypted = errors.New("value is not encrypted")

// IsEncrypted reports whether value has the ENC[...] form.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, prefix) && strings.HasSuffix(value, suffix) && len(value) > len(prefix)+len(suffix)
}

// Encrypt seals plaintext with an age scrypt recipient derived from passphrase.
func Encrypt(plaintext, passphrase string) (string, error) {
	r, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return "", fmt.Errorf("create recipient: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	return prefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + suffix, nil
}

// Decrypt opens an ENC[...] value with passphrase.
func Decrypt(value, passphrase string) (string, error) {
	if !IsEncrypted(value) {
		return "", ErrNotEncrypted
	}
	payload := strings.TrimSuffix(strings.TrimPrefix(value, prefix), suffix)

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	id, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return "", fmt.Errorf("create identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), id)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(out), nil
}
