// Package encryption は鍵生成・共通鍵/公開鍵/ハイブリッド暗号・ハッシュ・HMACの
// 状態を持たない暗号プリミティブを提供する。
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"key-vault-service/internal/domain"
)

// Engine は暗号プリミティブを提供する。鍵長の制約以外に状態を持たず、並行利用できる。
type Engine struct {
	config EngineConfig
}

// NewEngine は指定されたRSA鍵長の範囲でEngineを生成する。
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.MinRSAKeySize <= 0 || config.MaxRSAKeySize <= 0 {
		return nil, fmt.Errorf("%w: RSA key size bounds must be positive", domain.ErrInvalidKeySize)
	}
	if config.MinRSAKeySize > config.MaxRSAKeySize {
		return nil, fmt.Errorf("%w: min %d exceeds max %d", domain.ErrInvalidKeySize, config.MinRSAKeySize, config.MaxRSAKeySize)
	}
	return &Engine{config: config}, nil
}

// Config は鍵長の制約を返す。
func (e *Engine) Config() EngineConfig {
	return e.config
}

// GenerateSymmetricKey はアルゴリズムが要求する長さの共通鍵を生成する。
func (e *Engine) GenerateSymmetricKey(alg domain.Algorithm) ([]byte, error) {
	if alg.Family() != domain.FamilySymmetric {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, alg)
	}
	return randomBytes(KeySize)
}

// EncryptSymmetric はAEADで平文を暗号化する。
// ivがnilの場合はランダムなIVを生成する。
func (e *Engine) EncryptSymmetric(alg domain.Algorithm, plaintext, key, iv []byte) (*SymmetricCiphertext, error) {
	return sealAEAD(alg, key, iv, plaintext, nil)
}

// DecryptSymmetric はAEAD暗号文を復号する。
// 認証失敗・IV/タグ長の不一致はすべてErrDecryptionFailedとして返し、失敗要因を区別しない。
func (e *Engine) DecryptSymmetric(alg domain.Algorithm, ct *SymmetricCiphertext, key []byte) ([]byte, error) {
	return openAEAD(alg, key, ct, nil)
}

func newAEAD(alg domain.Algorithm, key []byte) (cipher.AEAD, error) {
	if alg.Family() != domain.FamilySymmetric {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, alg)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", domain.ErrInvalidKeyLength, KeySize, len(key))
	}

	switch alg {
	case domain.AlgorithmAES256:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case domain.AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, alg)
	}
}

func sealAEAD(alg domain.Algorithm, key, iv, plaintext, aad []byte) (*SymmetricCiphertext, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}

	if iv == nil {
		if iv, err = randomBytes(aead.NonceSize()); err != nil {
			return nil, err
		}
	} else if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: IV must be %d bytes, got %d", domain.ErrInvalidKeyLength, aead.NonceSize(), len(iv))
	}

	sealed := aead.Seal(nil, iv, plaintext, aad)
	split := len(sealed) - aead.Overhead()
	return &SymmetricCiphertext{
		Ciphertext: sealed[:split],
		IV:         iv,
		Tag:        sealed[split:],
	}, nil
}

func openAEAD(alg domain.Algorithm, key []byte, ct *SymmetricCiphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	if ct == nil || len(ct.IV) != aead.NonceSize() || len(ct.Tag) != aead.Overhead() {
		return nil, domain.ErrDecryptionFailed
	}

	sealed := make([]byte, 0, len(ct.Ciphertext)+len(ct.Tag))
	sealed = append(sealed, ct.Ciphertext...)
	sealed = append(sealed, ct.Tag...)

	plaintext, err := aead.Open(nil, ct.IV, sealed, aad)
	if err != nil {
		return nil, domain.ErrDecryptionFailed
	}
	return plaintext, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
