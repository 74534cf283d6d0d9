package wallet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// legacySalt is the fixed salt of blobs produced before per-blob salts.
var legacySalt = []byte("koinpay-hot-wallet")

// ErrMalformedBlob is returned when a key blob does not match either the
// salt:iv:ciphertext or the legacy iv:ciphertext layout.
var ErrMalformedBlob = errors.New("wallet: malformed key blob")

const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	derivedLen   = 32
	envIndirect  = "ENV:"
	saltLen      = 16
)

func deriveKey(password string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, derivedLen)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive key: %w", err)
	}
	return key, nil
}

// DecryptKeyBlob decrypts a stored signing-key blob. The plaintext is either
// a raw hex private key or an ENV:<NAME> indirection resolved against the
// process environment. Decrypted material never leaves process memory.
func DecryptKeyBlob(blob, password string) (string, error) {
	parts := strings.Split(strings.TrimSpace(blob), ":")
	var salt, iv, ciphertext []byte
	var err error
	switch len(parts) {
	case 3:
		if salt, err = hex.DecodeString(parts[0]); err != nil {
			return "", ErrMalformedBlob
		}
		if iv, err = hex.DecodeString(parts[1]); err != nil {
			return "", ErrMalformedBlob
		}
		if ciphertext, err = hex.DecodeString(parts[2]); err != nil {
			return "", ErrMalformedBlob
		}
	case 2:
		salt = legacySalt
		if iv, err = hex.DecodeString(parts[0]); err != nil {
			return "", ErrMalformedBlob
		}
		if ciphertext, err = hex.DecodeString(parts[1]); err != nil {
			return "", ErrMalformedBlob
		}
	default:
		return "", ErrMalformedBlob
	}
	if len(iv) != aes.BlockSize || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrMalformedBlob
	}

	key, err := deriveKey(password, salt)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("wallet: cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return "", err
	}

	material := strings.TrimSpace(string(plain))
	if name, ok := strings.CutPrefix(material, envIndirect); ok {
		resolved := strings.TrimSpace(os.Getenv(name))
		if resolved == "" {
			return "", fmt.Errorf("wallet: key env %s not set", name)
		}
		return resolved, nil
	}
	return material, nil
}

// EncryptKeyBlob produces a salt:iv:ciphertext blob for the given plaintext
// key material. Used by provisioning tooling and tests.
func EncryptKeyBlob(material, password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("wallet: salt: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("wallet: iv: %w", err)
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("wallet: cipher: %w", err)
	}
	padded := pkcs7Pad([]byte(material))
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

func pkcs7Pad(data []byte) []byte {
	pad := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrMalformedBlob
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, ErrMalformedBlob
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, ErrMalformedBlob
		}
	}
	return data[:len(data)-pad], nil
}
