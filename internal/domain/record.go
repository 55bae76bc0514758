package domain

import "time"

// DataType は暗号化前の値の型を表す。
type DataType string

const (
	DataTypeString  DataType = "string"
	DataTypeNumber  DataType = "number"
	DataTypeBoolean DataType = "boolean"
	DataTypeObject  DataType = "object"
	DataTypeArray   DataType = "array"
	DataTypeNull    DataType = "null"
	DataTypeBinary  DataType = "binary"
)

// RecordMetadata は暗号化データに付随するメタデータ。
type RecordMetadata struct {
	OriginalSize   int    `json:"original_size"`
	Checksum       string `json:"checksum"`
	Classification string `json:"classification,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
	Requester      string `json:"requester,omitempty"`
}

// EncryptedRecord は暗号化済みデータを表す。作成後は変更しない。
type EncryptedRecord struct {
	ID              string
	TenantID        string
	KeyID           string
	KeyVersion      uint
	KeyType         KeyType
	Algorithm       Algorithm
	Ciphertext      []byte
	IV              []byte
	AuthTag         []byte
	EncapsulatedKey []byte
	DataType        DataType
	Metadata        RecordMetadata
	CreatedAt       time.Time
}
