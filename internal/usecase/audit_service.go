package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"key-vault-service/internal/domain"
)

const (
	DefaultAuditPageLimit = 50
	MaxAuditPageLimit     = 1000

	defaultAuditWriteTimeout = 5 * time.Second
)

// AuditRepository は監査ログのデータアクセスのインターフェース。追記と参照のみ。
type AuditRepository interface {
	Create(ctx context.Context, entry *domain.AuditEntry) error
	Find(ctx context.Context, filter domain.AuditFilter, page domain.Pagination) ([]*domain.AuditEntry, int64, error)
	Aggregate(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditAggregate, error)
}

// AuditService は監査ログの記録と参照を提供する。
type AuditService struct {
	repo         AuditRepository
	metrics      Metrics
	writeTimeout time.Duration
}

// NewAuditService は新しいAuditServiceを生成する。
func NewAuditService(repo AuditRepository, metrics Metrics, writeTimeout time.Duration) *AuditService {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultAuditWriteTimeout
	}
	return &AuditService{
		repo:         repo,
		metrics:      metrics,
		writeTimeout: writeTimeout,
	}
}

// Record は監査エントリを記録する。書き込みの失敗は呼び出し元に返さず、
// ERRORログと失敗カウンタで通知する。呼び出し元のキャンセルは書き込みを中断しない。
func (s *AuditService) Record(ctx context.Context, entry *domain.AuditEntry) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	if err := s.repo.Create(writeCtx, entry); err != nil {
		s.metrics.RecordAuditWriteFailure()
		slog.ErrorContext(ctx, "failed to write audit entry",
			"tenant_id", entry.TenantID,
			"audit_operation", entry.Operation,
			"key_id", entry.KeyID,
			"data_id", entry.DataID,
			"success", entry.Success,
			"error_code", entry.ErrorCode,
			"error", err,
		)
	}
}

// Query は条件に一致する監査エントリをページ単位で取得する。
func (s *AuditService) Query(ctx context.Context, filter domain.AuditFilter, page domain.Pagination) (*domain.AuditPage, error) {
	page = normalizePage(page)

	entries, total, err := s.repo.Find(ctx, filter, page)
	if err != nil {
		return nil, fmt.Errorf("finding audit entries: %w", err)
	}
	return &domain.AuditPage{
		Entries: entries,
		Total:   total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: int64(page.Offset+len(entries)) < total,
	}, nil
}

func normalizePage(p domain.Pagination) domain.Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultAuditPageLimit
	}
	if p.Limit > MaxAuditPageLimit {
		p.Limit = MaxAuditPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Statistics は操作・アルゴリズム・成否ごとの件数と平均処理時間を集計する。
func (s *AuditService) Statistics(ctx context.Context, filter domain.AuditFilter) (*domain.AuditStatistics, error) {
	aggs, err := s.repo.Aggregate(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("aggregating audit entries: %w", err)
	}

	stats := &domain.AuditStatistics{
		ByOperation: make(map[domain.Operation]domain.AuditBucket),
		ByAlgorithm: make(map[domain.Algorithm]domain.AuditBucket),
		ByOutcome:   make(map[string]domain.AuditBucket),
	}
	var total bucketSum
	byOp := make(map[domain.Operation]*bucketSum)
	byAlg := make(map[domain.Algorithm]*bucketSum)
	byOutcome := make(map[string]*bucketSum)

	for _, a := range aggs {
		total.add(a)
		sumFor(byOp, a.Operation).add(a)
		if a.Algorithm != "" {
			sumFor(byAlg, a.Algorithm).add(a)
		}
		outcome := "failure"
		if a.Success {
			outcome = "success"
		}
		sumFor(byOutcome, outcome).add(a)
	}

	t := total.bucket()
	stats.Total, stats.Successes, stats.Failures, stats.AvgMs = t.Count, t.Successes, t.Failures, t.AvgMs
	for k, v := range byOp {
		stats.ByOperation[k] = v.bucket()
	}
	for k, v := range byAlg {
		stats.ByAlgorithm[k] = v.bucket()
	}
	for k, v := range byOutcome {
		stats.ByOutcome[k] = v.bucket()
	}
	return stats, nil
}

// bucketSum は平均値を件数で重み付けして合算する。
type bucketSum struct {
	count, successes int64
	totalMs          float64
}

func sumFor[K comparable](m map[K]*bucketSum, k K) *bucketSum {
	b, ok := m[k]
	if !ok {
		b = &bucketSum{}
		m[k] = b
	}
	return b
}

func (b *bucketSum) add(a domain.AuditAggregate) {
	b.count += a.Count
	if a.Success {
		b.successes += a.Count
	}
	b.totalMs += a.AvgMs * float64(a.Count)
}

func (b *bucketSum) bucket() domain.AuditBucket {
	out := domain.AuditBucket{
		Count:     b.count,
		Successes: b.successes,
		Failures:  b.count - b.successes,
	}
	if b.count > 0 {
		out.AvgMs = b.totalMs / float64(b.count)
	}
	return out
}
