package crypto

import (
	"errors"
	"testing"

	"github.com/KingCide/Mariner/internal/database"
)

func TestEncryptDecrypt(t *testing.T) {
	setupTestDB(t)

	tok, err := Encrypt("s3cret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if tok == "s3cret" {
		t.Fatal("token equals plaintext")
	}
	got, err := Decrypt(tok)
	if err != nil || got != "s3cret" {
		t.Fatalf("Decrypt = %q, %v", got, err)
	}

	if got, err := Decrypt(""); got != "" || err != nil {
		t.Errorf("empty ciphertext = %q, %v", got, err)
	}
	if _, err := Decrypt("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestKeySurvivesCacheReset(t *testing.T) {
	setupTestDB(t)

	tok, _ := Encrypt("value")
	ResetKeyCache()
	if got, err := Decrypt(tok); err != nil || got != "value" {
		t.Fatalf("Decrypt after reload = %q, %v", got, err)
	}

	// A different key cannot read old tokens.
	database.DeleteSetting(keySetting)
	ResetKeyCache()
	if _, err := Decrypt(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken with a new key, got %v", err)
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"":                "",
		"short":           "****",
		"longer-password": "****word",
	}
	for in, want := range tests {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}
