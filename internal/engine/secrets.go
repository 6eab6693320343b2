// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/store"
)

// EnsureSecrets generates the api_key and internal_key meta values on
// first startup. Existing keys are never rotated here.
func (e *Engine) EnsureSecrets(ctx context.Context) error {
	for _, key := range []string{store.MetaAPIKey, store.MetaInternalKey} {
		_, ok, err := e.store.GetMeta(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := e.store.SetMeta(ctx, key, uuid.NewString()); err != nil {
			return err
		}
		log.WithComponent("engine").Info().Str("key", key).Msg("secret generated")
	}
	return nil
}

// APIKey returns the generated API key, or "" before EnsureSecrets.
func (e *Engine) APIKey(ctx context.Context) (string, error) {
	value, _, err := e.store.GetMeta(ctx, store.MetaAPIKey)
	return value, err
}

// SetAdminPassword stores a salted SHA-256 digest as "hash:salt" hex.
func (e *Engine) SetAdminPassword(ctx context.Context, password string) error {
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	digest := hashPassword(password, salt)
	stored := hex.EncodeToString(digest) + ":" + hex.EncodeToString(salt)
	if err := e.store.SetMeta(ctx, store.MetaAdminPasswordHash, stored); err != nil {
		return err
	}
	log.WithComponent("engine").Info().Msg("admin password updated")
	return nil
}

// CheckAdminPassword verifies a password in constant time. A missing
// stored hash never matches.
func (e *Engine) CheckAdminPassword(ctx context.Context, password string) (bool, error) {
	stored, ok, err := e.store.GetMeta(ctx, store.MetaAdminPasswordHash)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false, nil
	}
	digest, err := hex.DecodeString(parts[0])
	if err != nil {
		return false, nil
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil {
		return false, nil
	}
	candidate := hashPassword(password, salt)
	return subtle.ConstantTimeCompare(digest, candidate) == 1, nil
}

func hashPassword(password string, salt []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(password))
	return h.Sum(nil)
}
