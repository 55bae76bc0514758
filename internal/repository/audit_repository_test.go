package repository

import (
	"context"
	"testing"
	"time"

	"key-vault-service/internal/domain"
)

func seedAuditEntries(t *testing.T, repo *AuditRepository) {
	t.Helper()
	entries := []*domain.AuditEntry{
		{TenantID: "tenant-1", Requester: "svc-a", Operation: domain.OperationEncrypt, KeyID: "k1", Algorithm: domain.AlgorithmAES256, Success: true, ProcessingTime: 2 * time.Millisecond},
		{TenantID: "tenant-1", Requester: "svc-a", Operation: domain.OperationEncrypt, KeyID: "k1", Algorithm: domain.AlgorithmAES256, Success: true, ProcessingTime: 4 * time.Millisecond},
		{TenantID: "tenant-1", Requester: "svc-b", Operation: domain.OperationDecrypt, KeyID: "k1", Algorithm: domain.AlgorithmAES256, Success: false, ErrorCode: "INTEGRITY_CHECK_FAILED", ProcessingTime: time.Millisecond},
		{TenantID: "tenant-1", Requester: "svc-a", Operation: domain.OperationKeyGenerate, KeyID: "k2", Algorithm: domain.AlgorithmRSA2048, Success: true, ProcessingTime: 100 * time.Millisecond, Metadata: map[string]any{"key_type": "asymmetric"}},
		{TenantID: "tenant-2", Requester: "svc-c", Operation: domain.OperationEncrypt, KeyID: "k3", Algorithm: domain.AlgorithmAES256, Success: true},
	}
	for _, e := range entries {
		if err := repo.Create(context.Background(), e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
}

func TestAuditRepository_Find(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepository(setupTestDB(t))
	seedAuditEntries(t, repo)

	entries, total, err := repo.Find(ctx, domain.AuditFilter{TenantID: "tenant-1"}, domain.Pagination{Limit: 2})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if total != 4 {
		t.Errorf("expected total 4, got %d", total)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}

	entries, _, err = repo.Find(ctx, domain.AuditFilter{TenantID: "tenant-1"}, domain.Pagination{Limit: 10, Offset: 3})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry on last page, got %d", len(entries))
	}

	failed := false
	entries, total, err = repo.Find(ctx, domain.AuditFilter{TenantID: "tenant-1", Success: &failed}, domain.Pagination{Limit: 10})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if total != 1 || entries[0].ErrorCode != "INTEGRITY_CHECK_FAILED" {
		t.Errorf("expected the failed decrypt, got total=%d", total)
	}

	entries, _, err = repo.Find(ctx, domain.AuditFilter{TenantID: "tenant-1", Operation: domain.OperationKeyGenerate}, domain.Pagination{Limit: 10})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 key_generate entry, got %d", len(entries))
	}
	if entries[0].Metadata["key_type"] != "asymmetric" {
		t.Errorf("expected metadata to round trip, got %v", entries[0].Metadata)
	}
	if entries[0].ProcessingTime != 100*time.Millisecond {
		t.Errorf("expected processing time 100ms, got %s", entries[0].ProcessingTime)
	}

	until := time.Now().UTC().Add(-time.Hour)
	_, total, err = repo.Find(ctx, domain.AuditFilter{TenantID: "tenant-1", Until: &until}, domain.Pagination{Limit: 10})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if total != 0 {
		t.Errorf("expected no entries before an hour ago, got %d", total)
	}
}

func TestAuditRepository_Aggregate(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepository(setupTestDB(t))
	seedAuditEntries(t, repo)

	aggs, err := repo.Aggregate(ctx, domain.AuditFilter{TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if len(aggs) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(aggs))
	}

	for _, a := range aggs {
		if a.Operation == domain.OperationEncrypt {
			if a.Count != 2 || !a.Success {
				t.Errorf("unexpected encrypt aggregate %+v", a)
			}
			if a.AvgMs != 3 {
				t.Errorf("expected avg 3ms, got %v", a.AvgMs)
			}
		}
		if a.Operation == domain.OperationDecrypt && a.Success {
			t.Errorf("expected decrypt group to be a failure, got %+v", a)
		}
	}
}
