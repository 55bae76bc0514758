package domain

import "time"

// Operation は監査対象の操作種別を表す。
type Operation string

const (
	OperationEncrypt     Operation = "encrypt"
	OperationDecrypt     Operation = "decrypt"
	OperationKeyGenerate Operation = "key_generate"
	OperationKeyRotate   Operation = "key_rotate"
	OperationKeyRevoke   Operation = "key_revoke"
)

// AuditEntry は監査ログの1エントリ。追記のみで更新しない。
type AuditEntry struct {
	ID             string
	TenantID       string
	Requester      string
	Operation      Operation
	KeyID          string
	DataID         string
	Algorithm      Algorithm
	Success        bool
	ErrorCode      string
	ProcessingTime time.Duration
	Metadata       map[string]any
	CreatedAt      time.Time
}

// AuditFilter は監査ログの検索条件。ゼロ値の項目は条件に含めない。
type AuditFilter struct {
	TenantID  string
	Requester string
	Operation Operation
	KeyID     string
	DataID    string
	Algorithm Algorithm
	Success   *bool
	Since     *time.Time
	Until     *time.Time
}

// Pagination はページング指定。
type Pagination struct {
	Limit  int
	Offset int
}

// AuditPage は監査ログ検索結果の1ページ。
type AuditPage struct {
	Entries []*AuditEntry
	Total   int64
	Limit   int
	Offset  int
	HasMore bool
}

// AuditAggregate は集計単位ごとの件数と平均処理時間。
type AuditAggregate struct {
	Operation Operation
	Algorithm Algorithm
	Success   bool
	Count     int64
	AvgMs     float64
}

// AuditBucket は集計軸ごとの統計値。
type AuditBucket struct {
	Count     int64
	Successes int64
	Failures  int64
	AvgMs     float64
}

// AuditStatistics は監査ログの統計。
type AuditStatistics struct {
	Total       int64
	Successes   int64
	Failures    int64
	AvgMs       float64
	ByOperation map[Operation]AuditBucket
	ByAlgorithm map[Algorithm]AuditBucket
	ByOutcome   map[string]AuditBucket
}
