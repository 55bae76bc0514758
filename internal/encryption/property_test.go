package encryption

import (
	"bytes"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"key-vault-service/internal/domain"
)

func propertyParameters() *gopter.TestParameters {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	return parameters
}

// TestCipherProperties は任意の入力に対して暗号化・復号の不変条件を検証する。
func TestCipherProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property-based test in short mode")
	}

	e := newTestEngine(t)
	aesKey, err := e.GenerateSymmetricKey(domain.AlgorithmAES256)
	require.NoError(t, err)
	chachaKey, err := e.GenerateSymmetricKey(domain.AlgorithmChaCha20Poly1305)
	require.NoError(t, err)
	rsaPub, rsaPriv, err := e.GenerateAsymmetricKeyPair(domain.AlgorithmRSA1024, 1024)
	require.NoError(t, err)
	ecPub, ecPriv, err := e.GenerateECKeyPair(domain.AlgorithmECP256)
	require.NoError(t, err)

	properties := gopter.NewProperties(propertyParameters())

	properties.Property("symmetric decrypt inverts encrypt", prop.ForAll(
		func(plaintext []byte) bool {
			for alg, key := range map[domain.Algorithm][]byte{
				domain.AlgorithmAES256:           aesKey,
				domain.AlgorithmChaCha20Poly1305: chachaKey,
			} {
				ct, err := e.EncryptSymmetric(alg, plaintext, key, nil)
				if err != nil {
					return false
				}
				got, err := e.DecryptSymmetric(alg, ct, key)
				if err != nil || !bytes.Equal(got, plaintext) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("any flipped bit fails authentication", prop.ForAll(
		func(plaintext []byte, pos int) bool {
			ct, err := e.EncryptSymmetric(domain.AlgorithmAES256, plaintext, aesKey, nil)
			if err != nil {
				return false
			}
			pos %= len(ct.Ciphertext) + len(ct.Tag)
			if pos < len(ct.Ciphertext) {
				ct.Ciphertext[pos] ^= 0x01
			} else {
				ct.Tag[pos-len(ct.Ciphertext)] ^= 0x01
			}
			_, err = e.DecryptSymmetric(domain.AlgorithmAES256, ct, aesKey)
			return errors.Is(err, domain.ErrDecryptionFailed)
		},
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(0, 1<<16),
	))

	properties.Property("RSA-OAEP chunking round trips multi-block payloads", prop.ForAll(
		func(plaintext []byte) bool {
			ct, err := e.EncryptAsymmetric(rsaPub, plaintext)
			if err != nil {
				return false
			}
			got, err := e.DecryptAsymmetric(rsaPriv, ct)
			return err == nil && bytes.Equal(got, plaintext)
		},
		gen.SliceOfN(300, gen.UInt8()),
	))

	properties.Property("hybrid envelope is bound to the symmetric key", prop.ForAll(
		func(plaintext []byte) bool {
			hc, err := e.EncryptHybrid(ecPub, chachaKey, plaintext)
			if err != nil {
				return false
			}
			got, err := e.DecryptHybrid(ecPriv, chachaKey, hc)
			if err != nil || !bytes.Equal(got, plaintext) {
				return false
			}
			_, err = e.DecryptHybrid(ecPriv, aesKey, hc)
			return errors.Is(err, domain.ErrDecryptionFailed)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("HMAC verifies only the signed data", prop.ForAll(
		func(key, data []byte, extra uint8) bool {
			mac, err := e.HMAC(HashSHA256, key, data)
			if err != nil {
				return false
			}
			ok, err := e.VerifyHMAC(HashSHA256, key, data, mac)
			if err != nil || !ok {
				return false
			}
			ok, err = e.VerifyHMAC(HashSHA256, key, append(bytes.Clone(data), extra), mac)
			return err == nil && !ok
		},
		gen.SliceOfN(32, gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
