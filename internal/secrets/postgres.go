package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"
)

// PostgresProvider stores credentials encrypted at rest with AES-256-GCM.
//
// Expected schema:
//
//	api_credentials(service TEXT, name TEXT, ciphertext TEXT, updated_at TIMESTAMPTZ,
//	  PRIMARY KEY (service, name))
type PostgresProvider struct {
	db    *sql.DB
	aead  cipher.AEAD
	clock func() time.Time
}

// NewPostgresProvider builds a provider over db. key must be 32 bytes.
func NewPostgresProvider(db *sql.DB, key []byte) (*PostgresProvider, error) {
	if len(key) != 32 {
		return nil, errors.New("secrets: key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm: %w", err)
	}
	return &PostgresProvider{db: db, aead: aead, clock: time.Now}, nil
}

func (p *PostgresProvider) GetSecret(ctx context.Context, service, name string) (string, error) {
	var encoded string
	err := p.db.QueryRowContext(ctx, `
		SELECT ciphertext FROM api_credentials WHERE service = $1 AND name = $2`,
		service, name,
	).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, service, name)
	}
	if err != nil {
		return "", fmt.Errorf("secrets: get %s/%s: %w", service, name, err)
	}
	return p.decrypt(encoded)
}

// SetSecret encrypts and upserts a credential.
func (p *PostgresProvider) SetSecret(ctx context.Context, service, name, value string) error {
	encoded, err := p.encrypt(value)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO api_credentials (service, name, ciphertext, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (service, name) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			updated_at = EXCLUDED.updated_at`,
		service, name, encoded, p.clock().UTC(),
	)
	if err != nil {
		return fmt.Errorf("secrets: set %s/%s: %w", service, name, err)
	}
	return nil
}

func (p *PostgresProvider) encrypt(plaintext string) (string, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := p.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (p *PostgresProvider) decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secrets: decode: %w", err)
	}
	ns := p.aead.NonceSize()
	if len(sealed) < ns {
		return "", errors.New("secrets: ciphertext too short")
	}
	plaintext, err := p.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plaintext), nil
}
