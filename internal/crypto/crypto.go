package crypto

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fernet/fernet-go"

	"github.com/KingCide/Mariner/internal/database"
)

const keySetting = "fernet_key"

var ErrInvalidToken = errors.New("decrypt: invalid token")

var (
	keyMu     sync.Mutex
	cachedKey *fernet.Key
)

func getKey() (*fernet.Key, error) {
	keyMu.Lock()
	defer keyMu.Unlock()
	if cachedKey != nil {
		return cachedKey, nil
	}

	keyStr, err := database.GetSetting(keySetting)
	if err != nil {
		// Generate new key
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		cachedKey = &k
		return cachedKey, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	cachedKey = key
	return key, nil
}

// ResetKeyCache forgets the cached key so the next call reloads it from the
// settings table.
func ResetKeyCache() {
	keyMu.Lock()
	cachedKey = nil
	keyMu.Unlock()
}

func Encrypt(plaintext string) (string, error) {
	key, err := getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt reverses Encrypt. Tokens do not expire.
func Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 8 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
