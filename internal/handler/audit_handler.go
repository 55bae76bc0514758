package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"key-vault-service/internal/domain"
	"key-vault-service/internal/usecase"
	"key-vault-service/pkg/httputil"
)

// AuditHandler は監査ログ参照のHTTPハンドラを提供する。
type AuditHandler struct {
	vault Vault
}

// NewAuditHandler は新しいAuditHandlerを生成する。
func NewAuditHandler(vault Vault) *AuditHandler {
	return &AuditHandler{vault: vault}
}

// AuditEntryResponse は監査エントリのレスポンス形式。
type AuditEntryResponse struct {
	ID               string         `json:"id"`
	Requester        string         `json:"requester,omitempty"`
	Operation        string         `json:"operation"`
	KeyID            string         `json:"key_id,omitempty"`
	DataID           string         `json:"data_id,omitempty"`
	Algorithm        string         `json:"algorithm,omitempty"`
	Success          bool           `json:"success"`
	ErrorCode        string         `json:"error_code,omitempty"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        string         `json:"created_at"`
}

// AuditPageResponse は監査ログ検索のレスポンス形式。
type AuditPageResponse struct {
	Entries []AuditEntryResponse `json:"entries"`
	Total   int64                `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
	HasMore bool                 `json:"has_more"`
}

// BucketResponse は集計軸ごとの統計値。
type BucketResponse struct {
	Count     int64   `json:"count"`
	Successes int64   `json:"successes"`
	Failures  int64   `json:"failures"`
	AvgMs     float64 `json:"avg_ms"`
}

// StatisticsResponse は監査統計のレスポンス形式。
type StatisticsResponse struct {
	Total       int64                     `json:"total"`
	Successes   int64                     `json:"successes"`
	Failures    int64                     `json:"failures"`
	AvgMs       float64                   `json:"avg_ms"`
	ByOperation map[string]BucketResponse `json:"by_operation"`
	ByAlgorithm map[string]BucketResponse `json:"by_algorithm"`
	ByOutcome   map[string]BucketResponse `json:"by_outcome"`
}

// QueryLog は監査ログを新しい順に返す。
func (h *AuditHandler) QueryLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := parseAuditFilter(q)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(q, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(q, "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := h.vault.QueryAuditLog(r.Context(), usecase.AuditQueryRequest{
		TenantID:  tenantID(r),
		Requester: requester(r),
		Filter:    filter,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := AuditPageResponse{
		Entries: make([]AuditEntryResponse, 0, len(page.Entries)),
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.HasMore,
	}
	for _, e := range page.Entries {
		resp.Entries = append(resp.Entries, newAuditEntryResponse(e))
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// Statistics は操作種別・アルゴリズム・成否ごとの統計を返す。
func (h *AuditHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}

	stats, err := h.vault.GetStatistics(r.Context(), usecase.StatisticsRequest{
		TenantID:  tenantID(r),
		Requester: requester(r),
		Filter:    filter,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := StatisticsResponse{
		Total:       stats.Total,
		Successes:   stats.Successes,
		Failures:    stats.Failures,
		AvgMs:       stats.AvgMs,
		ByOperation: make(map[string]BucketResponse, len(stats.ByOperation)),
		ByAlgorithm: make(map[string]BucketResponse, len(stats.ByAlgorithm)),
		ByOutcome:   make(map[string]BucketResponse, len(stats.ByOutcome)),
	}
	for op, b := range stats.ByOperation {
		resp.ByOperation[string(op)] = newBucketResponse(b)
	}
	for alg, b := range stats.ByAlgorithm {
		resp.ByAlgorithm[string(alg)] = newBucketResponse(b)
	}
	for outcome, b := range stats.ByOutcome {
		resp.ByOutcome[outcome] = newBucketResponse(b)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

func newAuditEntryResponse(e *domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:               e.ID,
		Requester:        e.Requester,
		Operation:        string(e.Operation),
		KeyID:            e.KeyID,
		DataID:           e.DataID,
		Algorithm:        string(e.Algorithm),
		Success:          e.Success,
		ErrorCode:        e.ErrorCode,
		ProcessingTimeMs: float64(e.ProcessingTime) / float64(time.Millisecond),
		Metadata:         e.Metadata,
		CreatedAt:        e.CreatedAt.Format(time.RFC3339Nano),
	}
}

func newBucketResponse(b domain.AuditBucket) BucketResponse {
	return BucketResponse{Count: b.Count, Successes: b.Successes, Failures: b.Failures, AvgMs: b.AvgMs}
}

// parseAuditFilter はクエリパラメータから絞り込み条件を組み立てる。
// requesterクエリは検索条件であり、呼び出し元の識別子はヘッダーから取る。
func parseAuditFilter(q url.Values) (usecase.AuditFilterInput, error) {
	f := usecase.AuditFilterInput{
		Requester: q.Get("requester"),
		Operation: q.Get("operation"),
		KeyID:     q.Get("key_id"),
		DataID:    q.Get("data_id"),
		Algorithm: q.Get("algorithm"),
	}

	if s := q.Get("success"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, domain.NewValidationError("filter.success", "must be true or false")
		}
		f.Success = &b
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		s := q.Get(p.name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, domain.NewValidationError("filter."+p.name, "must be an RFC 3339 timestamp")
		}
		*p.dst = &t
	}
	return f, nil
}

func queryInt(q url.Values, name string) (int, error) {
	s := q.Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, domain.NewValidationError(name, "must be an integer")
	}
	return n, nil
}
