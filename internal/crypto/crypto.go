// Package crypto protects profile credentials at rest and produces the
// self-signed certificate used when the listener is asked to serve TLS
// without operator-provided files.
package crypto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/claworc/shellkeeper/internal/database"
	"gorm.io/gorm"
)

const fernetSettingKey = "fernet_key"

// ErrInvalidToken is returned when a ciphertext does not verify under the
// stored key.
var ErrInvalidToken = errors.New("decrypt: invalid token")

// Box encrypts and decrypts short secrets with a fernet key kept in the
// settings table. The key is generated on first use.
type Box struct {
	db *gorm.DB

	mu  sync.Mutex
	key *fernet.Key
}

// NewBox returns a Box backed by db.
func NewBox(db *gorm.DB) *Box {
	return &Box{db: db}
}

func (b *Box) getKey() (*fernet.Key, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.key != nil {
		return b.key, nil
	}

	keyStr, err := database.GetSetting(b.db, fernetSettingKey)
	if err != nil {
		// Generate new key
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(b.db, fernetSettingKey, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		b.key = &k
		return b.key, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	b.key = key
	return b.key, nil
}

// Encrypt returns a fernet token for plaintext. Empty input stays empty.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	key, err := b.getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt reverses Encrypt. Tokens never expire.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := b.getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

// Mask hides all but the last four characters of a secret for display.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
