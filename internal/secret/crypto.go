package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	algID     = "aes-256-gcm-pbkdf2"
	saltSize  = 16
	nonceSize = 12 // standard GCM nonce length
	kdfRounds = 100_000
	keyLength = 32
)

// envelope 每条密文独立携带 salt 和 nonce，主密钥从不直接做加密密钥。
type envelope struct {
	Alg   string `json:"alg"`
	Salt  string `json:"salt"`
	Nonce string `json:"nonce"`
	CT    string `json:"ct"`
}

// encrypt derives a per-record key with PBKDF2-HMAC-SHA256 over the master
// key and seals plaintext with AES-256-GCM. Salt and nonce are fresh on
// every call.
func encrypt(masterKey, plaintext []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("rand salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	key := pbkdf2.Key(masterKey, salt, kdfRounds, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	ct := gcm.Seal(nil, nonce, plaintext, nil)

	blob, err := json.Marshal(envelope{
		Alg:   algID,
		Salt:  base64.StdEncoding.EncodeToString(salt),
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		CT:    base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(blob), nil
}

// decrypt opens an envelope produced by encrypt. Any integrity failure is
// surfaced; corrupted plaintext is never returned silently.
func decrypt(masterKey []byte, blob string) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal([]byte(blob), &env); err != nil {
		return nil, fmt.Errorf("%w: bad envelope: %v", ErrDecrypt, err)
	}
	if env.Alg != algID {
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrDecrypt, env.Alg)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad salt: %v", ErrDecrypt, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce: %v", ErrDecrypt, err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext: %v", ErrDecrypt, err)
	}

	key := pbkdf2.Key(masterKey, salt, kdfRounds, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
