package encryption

const (
	KeySize   = 32 // AES-256 / ChaCha20-Poly1305
	NonceSize = 12 // GCM / ChaCha20-Poly1305 standard nonce size
	TagSize   = 16 // authentication tag size

	DefaultMinRSAKeySize = 1024
	DefaultMaxRSAKeySize = 4096
)

// HKDFのinfo。変更すると保存済みのハイブリッド/ECIES暗号文を復号できなくなる。
var (
	eciesInfo  = []byte("key-vault-service/ecies/aes-256-gcm")
	hybridInfo = []byte("key-vault-service/hybrid/aes-256-gcm")
)

// EngineConfig は生成する鍵に対してエンジンが課す制約。
type EngineConfig struct {
	MinRSAKeySize int
	MaxRSAKeySize int
}

// DefaultEngineConfig はRSA鍵長のデフォルト範囲を返す。
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MinRSAKeySize: DefaultMinRSAKeySize,
		MaxRSAKeySize: DefaultMaxRSAKeySize,
	}
}

// SymmetricCiphertext はAEAD暗号化の結果。認証タグは暗号文から分離して保持する。
type SymmetricCiphertext struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// HybridCiphertext はEncryptHybridの結果。
// EncapsulatedKeyはRSA-OAEPでラップしたデータ鍵、またはEC鍵の場合はデータ鍵の導出に使った一時公開鍵。
type HybridCiphertext struct {
	EncapsulatedKey []byte
	Ciphertext      []byte
	IV              []byte
	Tag             []byte
}
