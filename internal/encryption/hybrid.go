package encryption

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"key-vault-service/internal/domain"
)

// EncryptHybrid はメッセージごとに生成したデータ鍵でAES-256-GCM暗号化し、
// データ鍵を公開鍵でカプセル化する。
// symmetricKeyは鍵ペアに紐づく共通鍵で、カプセル化した鍵と暗号文を結びつけるAADの導出に使う。
func (e *Engine) EncryptHybrid(publicKey, symmetricKey, plaintext []byte) (*HybridCiphertext, error) {
	if len(symmetricKey) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", domain.ErrInvalidKeyLength, KeySize, len(symmetricKey))
	}

	pub, err := parsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		dek, err := randomBytes(KeySize)
		if err != nil {
			return nil, err
		}
		defer wipe(dek)

		encapsulated, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, k, dek, hybridInfo)
		if err != nil {
			return nil, fmt.Errorf("failed to encapsulate data key: %w", err)
		}
		ct, err := sealAEAD(domain.AlgorithmAES256, dek, nil, plaintext, envelopeAAD(symmetricKey, encapsulated))
		if err != nil {
			return nil, err
		}
		return toHybrid(encapsulated, ct), nil
	case *ecdh.PublicKey:
		// EC鍵ではデータ鍵を送らず、一時公開鍵から受信側で導出する。
		// AADは暗号化前に一時公開鍵が必要になるため、ここではsealECIESを分解して使う。
		ephemeral, err := k.Curve().GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
		}
		ephemeralPub := ephemeral.PublicKey().Bytes()

		dek, err := deriveECDHKey(ephemeral, k, ephemeralPub, k.Bytes(), hybridInfo)
		if err != nil {
			return nil, err
		}
		defer wipe(dek)

		ct, err := sealAEAD(domain.AlgorithmAES256, dek, nil, plaintext, envelopeAAD(symmetricKey, ephemeralPub))
		if err != nil {
			return nil, err
		}
		return toHybrid(ephemeralPub, ct), nil
	default:
		return nil, domain.ErrInvalidKeyMaterial
	}
}

// DecryptHybrid はEncryptHybridの暗号文を秘密鍵と紐づく共通鍵で復号する。
func (e *Engine) DecryptHybrid(privateKey, symmetricKey []byte, hc *HybridCiphertext) ([]byte, error) {
	if len(symmetricKey) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", domain.ErrInvalidKeyLength, KeySize, len(symmetricKey))
	}
	if hc == nil || len(hc.EncapsulatedKey) == 0 {
		return nil, domain.ErrDecryptionFailed
	}

	priv, err := parsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	ct := &SymmetricCiphertext{Ciphertext: hc.Ciphertext, IV: hc.IV, Tag: hc.Tag}
	aad := envelopeAAD(symmetricKey, hc.EncapsulatedKey)

	switch k := priv.(type) {
	case *rsa.PrivateKey:
		dek, err := rsa.DecryptOAEP(sha256.New(), nil, k, hc.EncapsulatedKey, hybridInfo)
		if err != nil {
			return nil, domain.ErrDecryptionFailed
		}
		defer wipe(dek)
		return openAEAD(domain.AlgorithmAES256, dek, ct, aad)
	case *ecdh.PrivateKey:
		return openECIES(k, hc.EncapsulatedKey, ct, hybridInfo, aad)
	default:
		return nil, domain.ErrInvalidKeyMaterial
	}
}

// envelopeAAD は共通鍵でカプセル化鍵のHMACを取り、AADとする。
func envelopeAAD(symmetricKey, encapsulated []byte) []byte {
	mac := hmac.New(sha256.New, symmetricKey)
	mac.Write(hybridInfo)
	mac.Write(encapsulated)
	return mac.Sum(nil)
}

func toHybrid(encapsulated []byte, ct *SymmetricCiphertext) *HybridCiphertext {
	return &HybridCiphertext{
		EncapsulatedKey: encapsulated,
		Ciphertext:      ct.Ciphertext,
		IV:              ct.IV,
		Tag:             ct.Tag,
	}
}
