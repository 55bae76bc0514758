package encryption

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"key-vault-service/internal/domain"
)

// HashAlgorithm はハッシュ・HMACで使うダイジェストアルゴリズム。
type HashAlgorithm string

const (
	HashSHA256     HashAlgorithm = "SHA-256"
	HashSHA384     HashAlgorithm = "SHA-384"
	HashSHA512     HashAlgorithm = "SHA-512"
	HashSHA3256    HashAlgorithm = "SHA3-256"
	HashBLAKE2b256 HashAlgorithm = "BLAKE2B-256"

	DefaultHashAlgorithm = HashSHA256
)

// ParseHashAlgorithm は文字列をHashAlgorithmに変換する。空文字はデフォルト(SHA-256)とする。
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	if s == "" {
		return DefaultHashAlgorithm, nil
	}
	alg := HashAlgorithm(strings.ToUpper(s))
	if _, err := alg.newHash(nil); err != nil {
		return "", err
	}
	return alg, nil
}

func (h HashAlgorithm) newHash(key []byte) (hash.Hash, error) {
	switch h {
	case HashSHA256:
		return newMaybeHMAC(sha256.New, key), nil
	case HashSHA384:
		return newMaybeHMAC(sha512.New384, key), nil
	case HashSHA512:
		return newMaybeHMAC(sha512.New, key), nil
	case HashSHA3256:
		return newMaybeHMAC(sha3.New256, key), nil
	case HashBLAKE2b256:
		return newMaybeHMAC(func() hash.Hash {
			// キーなしのblake2b.New256はエラーを返さない
			h, _ := blake2b.New256(nil)
			return h
		}, key), nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, h)
	}
}

func newMaybeHMAC(fn func() hash.Hash, key []byte) hash.Hash {
	if key == nil {
		return fn()
	}
	return hmac.New(fn, key)
}

// Hash はデータのダイジェストを返す。
func (e *Engine) Hash(alg HashAlgorithm, data []byte) ([]byte, error) {
	h, err := alg.newHash(nil)
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// HMAC はデータのメッセージ認証コードを返す。鍵は空であってはならない。
func (e *Engine) HMAC(alg HashAlgorithm, key, data []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: HMAC key must not be empty", domain.ErrInvalidKeyLength)
	}
	h, err := alg.newHash(key)
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// VerifyHMAC はmacがdataのHMACと一致するか定数時間で比較する。
func (e *Engine) VerifyHMAC(alg HashAlgorithm, key, data, mac []byte) (bool, error) {
	expected, err := e.HMAC(alg, key, data)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, mac), nil
}
