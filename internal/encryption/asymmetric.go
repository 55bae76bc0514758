package encryption

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"key-vault-service/internal/domain"
)

// GenerateAsymmetricKeyPair は公開鍵（PKIX DER）と秘密鍵（PKCS#8 DER）の組を生成する。
// RSAの場合、keySizeが0ならアルゴリズムの鍵長を使う。
func (e *Engine) GenerateAsymmetricKeyPair(alg domain.Algorithm, keySize int) (publicKey, privateKey []byte, err error) {
	switch alg.Family() {
	case domain.FamilyRSA:
		bits := alg.RSAKeyBits()
		if keySize == 0 {
			keySize = bits
		}
		if keySize != bits {
			return nil, nil, fmt.Errorf("%w: %s requires %d bits, got %d", domain.ErrInvalidKeySize, alg, bits, keySize)
		}
		if keySize < e.config.MinRSAKeySize || keySize > e.config.MaxRSAKeySize {
			return nil, nil, fmt.Errorf("%w: %d bits outside [%d, %d]", domain.ErrInvalidKeySize, keySize, e.config.MinRSAKeySize, e.config.MaxRSAKeySize)
		}

		key, err := rsa.GenerateKey(rand.Reader, keySize)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		return marshalKeyPair(&key.PublicKey, key)
	case domain.FamilyEC:
		return e.GenerateECKeyPair(alg)
	default:
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, alg)
	}
}

// GenerateECKeyPair は指定された曲線の鍵ペアを生成する。
func (e *Engine) GenerateECKeyPair(curve domain.Algorithm) (publicKey, privateKey []byte, err error) {
	c, err := ellipticCurve(curve)
	if err != nil {
		return nil, nil, err
	}

	key, err := ecdsa.GenerateKey(c, rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate EC key: %w", err)
	}
	return marshalKeyPair(&key.PublicKey, key)
}

// EncryptAsymmetric は公開鍵で平文を暗号化する。
// RSAはOAEP(SHA-256)をブロック単位で適用し、ECはECIES（一時ECDH + HKDF + AES-256-GCM）を使う。
func (e *Engine) EncryptAsymmetric(publicKey, plaintext []byte) ([]byte, error) {
	pub, err := parsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		return encryptRSAChunks(k, plaintext)
	case *ecdh.PublicKey:
		ephemeral, ct, err := sealECIES(k, plaintext, eciesInfo, nil)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, len(ephemeral)+len(ct.IV)+len(ct.Ciphertext)+len(ct.Tag))
		out = append(out, ephemeral...)
		out = append(out, ct.IV...)
		out = append(out, ct.Ciphertext...)
		return append(out, ct.Tag...), nil
	default:
		return nil, domain.ErrInvalidKeyMaterial
	}
}

// DecryptAsymmetric は秘密鍵で暗号文を復号する。
func (e *Engine) DecryptAsymmetric(privateKey, ciphertext []byte) ([]byte, error) {
	priv, err := parsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	switch k := priv.(type) {
	case *rsa.PrivateKey:
		return decryptRSAChunks(k, ciphertext)
	case *ecdh.PrivateKey:
		pubLen := len(k.PublicKey().Bytes())
		if len(ciphertext) < pubLen+NonceSize+TagSize {
			return nil, domain.ErrDecryptionFailed
		}
		rest := ciphertext[pubLen:]
		ct := &SymmetricCiphertext{
			IV:         rest[:NonceSize],
			Ciphertext: rest[NonceSize : len(rest)-TagSize],
			Tag:        rest[len(rest)-TagSize:],
		}
		return openECIES(k, ciphertext[:pubLen], ct, eciesInfo, nil)
	default:
		return nil, domain.ErrInvalidKeyMaterial
	}
}

// maxOAEPChunk はOAEP(SHA-256)で1ブロックに暗号化できる最大バイト数。
func maxOAEPChunk(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

func encryptRSAChunks(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	chunk := maxOAEPChunk(pub)
	if chunk <= 0 {
		return nil, domain.ErrInvalidKeyMaterial
	}

	out := make([]byte, 0, (len(plaintext)/chunk+1)*pub.Size())
	for start := 0; ; start += chunk {
		end := min(start+chunk, len(plaintext))
		block, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext[start:end], nil)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt with RSA-OAEP: %w", err)
		}
		out = append(out, block...)
		if end == len(plaintext) {
			return out, nil
		}
	}
}

func decryptRSAChunks(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	size := priv.Size()
	if len(ciphertext) == 0 || len(ciphertext)%size != 0 {
		return nil, domain.ErrDecryptionFailed
	}

	var out []byte
	for start := 0; start < len(ciphertext); start += size {
		block, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext[start:start+size], nil)
		if err != nil {
			return nil, domain.ErrDecryptionFailed
		}
		out = append(out, block...)
	}
	return out, nil
}

// sealECIES は一時鍵とのECDHで導出した鍵で平文を暗号化し、一時公開鍵と暗号文を返す。
func sealECIES(recipient *ecdh.PublicKey, plaintext, info, aad []byte) ([]byte, *SymmetricCiphertext, error) {
	ephemeral, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	ephemeralPub := ephemeral.PublicKey().Bytes()

	dek, err := deriveECDHKey(ephemeral, recipient, ephemeralPub, recipient.Bytes(), info)
	if err != nil {
		return nil, nil, err
	}
	defer wipe(dek)

	ct, err := sealAEAD(domain.AlgorithmAES256, dek, nil, plaintext, aad)
	if err != nil {
		return nil, nil, err
	}
	return ephemeralPub, ct, nil
}

func openECIES(priv *ecdh.PrivateKey, ephemeralPub []byte, ct *SymmetricCiphertext, info, aad []byte) ([]byte, error) {
	peer, err := priv.Curve().NewPublicKey(ephemeralPub)
	if err != nil {
		return nil, domain.ErrDecryptionFailed
	}

	dek, err := deriveECDHKey(priv, peer, ephemeralPub, priv.PublicKey().Bytes(), info)
	if err != nil {
		return nil, domain.ErrDecryptionFailed
	}
	defer wipe(dek)

	return openAEAD(domain.AlgorithmAES256, dek, ct, aad)
}

// deriveECDHKey はECDH共有秘密からHKDF-SHA256でAES-256鍵を導出する。
// 両者の公開鍵をinfoに含め、鍵を通信相手の組に束縛する。
func deriveECDHKey(priv *ecdh.PrivateKey, peer *ecdh.PublicKey, ephemeralPub, recipientPub, info []byte) ([]byte, error) {
	shared, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	defer wipe(shared)

	fullInfo := make([]byte, 0, len(info)+len(ephemeralPub)+len(recipientPub))
	fullInfo = append(fullInfo, info...)
	fullInfo = append(fullInfo, ephemeralPub...)
	fullInfo = append(fullInfo, recipientPub...)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, fullInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func ellipticCurve(alg domain.Algorithm) (elliptic.Curve, error) {
	switch alg {
	case domain.AlgorithmECP256:
		return elliptic.P256(), nil
	case domain.AlgorithmECP384:
		return elliptic.P384(), nil
	case domain.AlgorithmECP521:
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, alg)
	}
}

func marshalKeyPair(pub, priv any) ([]byte, []byte, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pubDER, privDER, nil
}

// parsePublicKey はPKIX DERを*rsa.PublicKeyまたは*ecdh.PublicKeyに変換する。
func parsePublicKey(der []byte) (any, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKeyMaterial, err)
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		return k, nil
	case *ecdsa.PublicKey:
		ecdhKey, err := k.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKeyMaterial, err)
		}
		return ecdhKey, nil
	default:
		return nil, fmt.Errorf("%w: unsupported public key type %T", domain.ErrInvalidKeyMaterial, pub)
	}
}

// parsePrivateKey はPKCS#8 DERを*rsa.PrivateKeyまたは*ecdh.PrivateKeyに変換する。
func parsePrivateKey(der []byte) (any, error) {
	priv, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKeyMaterial, err)
	}

	switch k := priv.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		ecdhKey, err := k.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKeyMaterial, err)
		}
		return ecdhKey, nil
	default:
		return nil, fmt.Errorf("%w: unsupported private key type %T", domain.ErrInvalidKeyMaterial, priv)
	}
}
