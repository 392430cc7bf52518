package store

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/crypto/scrypt"

	"clodds/pkg/types"
)

// ErrNoCredentialKey reports that the vault passphrase was not configured,
// so credential rows can be neither written nor read.
var ErrNoCredentialKey = errors.New("credential key not configured")

// PutCredentials encrypts and stores a user's venue credentials.
func (s *Store) PutCredentials(ctx context.Context, userID, venue string, creds types.VenueCredentials) error {
	if s.key == nil {
		return ErrNoCredentialKey
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	payload, err := encrypt(s.key, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trading_credentials (user_id, venue, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, venue) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		userID, venue, payload, now, now)
	if err != nil {
		return fmt.Errorf("put credentials: %w", err)
	}
	return nil
}

// GetCredentials decrypts a user's venue credentials. Returns nil when none
// are stored.
func (s *Store) GetCredentials(ctx context.Context, userID, venue string) (*types.VenueCredentials, error) {
	if s.key == nil {
		return nil, ErrNoCredentialKey
	}
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM trading_credentials WHERE user_id = ? AND venue = ?`,
		userID, venue).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	plaintext, err := decrypt(s.key, payload)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	var creds types.VenueCredentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &creds, nil
}

// DeleteCredentials removes a user's stored credentials for a venue.
func (s *Store) DeleteCredentials(ctx context.Context, userID, venue string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM trading_credentials WHERE user_id = ? AND venue = ?`, userID, venue)
	if err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Vault crypto: AES-256-CBC with a scrypt-derived key, payload encoded as
// hex(iv) ":" hex(ciphertext).
// ————————————————————————————————————————————————————————————————————————

func deriveKey(passphrase string) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), []byte("salt"), 16384, 8, 1, 32)
}

func encrypt(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

func decrypt(key []byte, payload string) ([]byte, error) {
	ivHex, ctHex, ok := strings.Cut(payload, ":")
	if !ok {
		return nil, errors.New("malformed payload")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, errors.New("malformed iv")
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("malformed ciphertext")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	return pkcs7Unpad(plain, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
