package repository

import (
	"context"
	"testing"

	"key-vault-service/internal/domain"
)

func TestRecordRepository_CreateAndFindByID(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordRepository(setupTestDB(t))

	rec := &domain.EncryptedRecord{
		TenantID:   "tenant-1",
		KeyID:      "key-1",
		KeyVersion: 1,
		KeyType:    domain.KeyTypeSymmetric,
		Algorithm:  domain.AlgorithmAES256,
		Ciphertext: []byte("ciphertext"),
		IV:         []byte("iv-iv-iv-iv-"),
		AuthTag:    []byte("tag-tag-tag-tag-"),
		DataType:   domain.DataTypeObject,
		Metadata: domain.RecordMetadata{
			OriginalSize: 10,
			Checksum:     "abc",
			Requester:    "svc-a",
		},
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected ID to be generated")
	}

	got, err := repo.FindByID(ctx, "tenant-1", rec.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if string(got.Ciphertext) != "ciphertext" || string(got.AuthTag) != "tag-tag-tag-tag-" {
		t.Errorf("unexpected ciphertext fields %+v", got)
	}
	if got.Metadata.Checksum != "abc" || got.Metadata.Requester != "svc-a" {
		t.Errorf("expected metadata to round trip, got %+v", got.Metadata)
	}
	if len(got.EncapsulatedKey) != 0 {
		t.Errorf("expected no encapsulated key, got %v", got.EncapsulatedKey)
	}

	other, err := repo.FindByID(ctx, "tenant-2", rec.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if other != nil {
		t.Error("expected nil for other tenant")
	}
}

func TestRecordRepository_Create_CanceledContext(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecordRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &domain.EncryptedRecord{
		TenantID:   "tenant-1",
		KeyID:      "key-1",
		KeyVersion: 1,
		KeyType:    domain.KeyTypeSymmetric,
		Algorithm:  domain.AlgorithmAES256,
		Ciphertext: []byte("ciphertext"),
		DataType:   domain.DataTypeString,
	}
	if err := repo.Create(ctx, rec); err == nil {
		t.Fatal("expected error for canceled context")
	}

	var count int64
	if err := db.Model(&EncryptedRecordModel{}).Count(&count).Error; err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no persisted records, got %d", count)
	}
}
