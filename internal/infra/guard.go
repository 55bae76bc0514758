package infra

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"

	"key-vault-service/internal/domain"
)

// guardVersion はラップ済み素材の先頭1バイトに付与する形式バージョン。
const guardVersion byte = 1

var guardInfo = []byte("key-vault-service/guard/v1")

// ErrInvalidMasterKey はマスターキーが短すぎる場合のエラー。
var ErrInvalidMasterKey = errors.New("master key must be at least 32 bytes")

// LocalGuard はプロセス内に保持したマスターキーで鍵素材をラップする。
// ラップ鍵はmemguardのEnclaveに暗号化された状態で保持し、使用時のみ復号する。
type LocalGuard struct {
	enclave *memguard.Enclave
}

// NewLocalGuard はマスターキーからラップ鍵を導出してLocalGuardを生成する。
// masterKeyは導出後にゼロクリアされる。
func NewLocalGuard(masterKey []byte) (*LocalGuard, error) {
	defer memguard.WipeBytes(masterKey)

	if len(masterKey) < 32 {
		return nil, ErrInvalidMasterKey
	}

	wrappingKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, guardInfo), wrappingKey); err != nil {
		return nil, fmt.Errorf("deriving wrapping key: %w", err)
	}

	// NewEnclaveはwrappingKeyをゼロクリアする
	return &LocalGuard{enclave: memguard.NewEnclave(wrappingKey)}, nil
}

// Wrap は鍵素材をAES-256-GCMで暗号化する。形式は version || nonce || ciphertext+tag。
func (g *LocalGuard) Wrap(ctx context.Context, material []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	aead, destroy, err := g.open()
	if err != nil {
		return nil, err
	}
	defer destroy()

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(material)+aead.Overhead())
	out = append(out, guardVersion)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, material, []byte{guardVersion}), nil
}

// Unwrap はWrapでラップされた鍵素材を復号する。失敗はすべてErrKeyUnwrapFailedとなる。
func (g *LocalGuard) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	aead, destroy, err := g.open()
	if err != nil {
		return nil, err
	}
	defer destroy()

	ns := aead.NonceSize()
	if len(wrapped) < 1+ns+aead.Overhead() || wrapped[0] != guardVersion {
		return nil, domain.ErrKeyUnwrapFailed
	}

	material, err := aead.Open(nil, wrapped[1:1+ns], wrapped[1+ns:], []byte{guardVersion})
	if err != nil {
		return nil, domain.ErrKeyUnwrapFailed
	}
	return material, nil
}

// open はEnclaveを開いてAEADを生成する。destroyはラップ鍵のバッファを破棄する。
func (g *LocalGuard) open() (cipher.AEAD, func(), error) {
	buf, err := g.enclave.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("opening enclave: %w", err)
	}

	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aead, buf.Destroy, nil
}
