package usecase

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"key-vault-service/internal/domain"
	"key-vault-service/internal/encryption"
)

// fakeKeyRepository はメモリ上で状態を持つテスト用のKeyRepository。
type fakeKeyRepository struct {
	mu        sync.Mutex
	keys      map[string]*domain.EncryptionKey
	createErr error
	findErr   error
	findCalls int
}

func newFakeKeyRepository() *fakeKeyRepository {
	return &fakeKeyRepository{keys: make(map[string]*domain.EncryptionKey)}
}

func copyKey(k *domain.EncryptionKey) *domain.EncryptionKey {
	c := *k
	return &c
}

func (r *fakeKeyRepository) Create(ctx context.Context, key *domain.EncryptionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	key.ID = uuid.NewString()
	key.CreatedAt = time.Now().UTC()
	key.UpdatedAt = key.CreatedAt
	r.keys[key.ID] = copyKey(key)
	return nil
}

func (r *fakeKeyRepository) FindByID(ctx context.Context, tenantID, id string) (*domain.EncryptionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findCalls++
	if r.findErr != nil {
		return nil, r.findErr
	}
	k, ok := r.keys[id]
	if !ok || k.TenantID != tenantID {
		return nil, nil
	}
	return copyKey(k), nil
}

func (r *fakeKeyRepository) FindAll(ctx context.Context, tenantID string, filter domain.KeyFilter) ([]*domain.EncryptionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.EncryptionKey
	for _, k := range r.keys {
		if k.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && k.Status != filter.Status {
			continue
		}
		if filter.KeyType != "" && k.KeyType() != filter.KeyType {
			continue
		}
		out = append(out, copyKey(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r *fakeKeyRepository) ReplaceActive(ctx context.Context, tenantID, oldID, reason string, successor *domain.EncryptionKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.keys[oldID]
	if !ok || old.TenantID != tenantID || old.Status != domain.KeyStatusActive {
		return false, nil
	}
	old.Status = domain.KeyStatusRotated
	old.StatusReason = reason
	successor.ID = uuid.NewString()
	successor.CreatedAt = time.Now().UTC()
	r.keys[successor.ID] = copyKey(successor)
	return true, nil
}

func (r *fakeKeyRepository) UpdateStatus(ctx context.Context, tenantID, id string, from []domain.KeyStatus, to domain.KeyStatus, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok || k.TenantID != tenantID || !slices.Contains(from, k.Status) {
		return false, nil
	}
	k.Status = to
	k.StatusReason = reason
	return true, nil
}

func (r *fakeKeyRepository) FindExpiredActive(ctx context.Context, now time.Time, limit int) ([]*domain.EncryptionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.EncryptionKey
	for _, k := range r.keys {
		if k.Status == domain.KeyStatusActive && !k.ExpiresAt.After(now) {
			out = append(out, copyKey(k))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// stored は保存されている鍵をそのまま返す。テストから状態を書き換えるために使う。
func (r *fakeKeyRepository) stored(id string) *domain.EncryptionKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[id]
}

// fakeRecordRepository はメモリ上で状態を持つテスト用のRecordRepository。
type fakeRecordRepository struct {
	mu        sync.Mutex
	records   map[string]*domain.EncryptedRecord
	createErr error
}

func newFakeRecordRepository() *fakeRecordRepository {
	return &fakeRecordRepository{records: make(map[string]*domain.EncryptedRecord)}
}

func (r *fakeRecordRepository) Create(ctx context.Context, rec *domain.EncryptedRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	rec.ID = uuid.NewString()
	rec.CreatedAt = time.Now().UTC()
	c := *rec
	r.records[rec.ID] = &c
	return nil
}

func (r *fakeRecordRepository) FindByID(ctx context.Context, tenantID, id string) (*domain.EncryptedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.TenantID != tenantID {
		return nil, nil
	}
	c := *rec
	c.Ciphertext = bytes.Clone(rec.Ciphertext)
	return &c, nil
}

func (r *fakeRecordRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *fakeRecordRepository) stored(id string) *domain.EncryptedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id]
}

// fakeAuditRepository はメモリ上に監査エントリを追記するテスト用のAuditRepository。
type fakeAuditRepository struct {
	mu        sync.Mutex
	entries   []*domain.AuditEntry
	createErr error
	ctxErrs   []error
}

func (r *fakeAuditRepository) Create(ctx context.Context, entry *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	if r.createErr != nil {
		return r.createErr
	}
	entry.ID = uuid.NewString()
	entry.CreatedAt = time.Now().UTC()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *fakeAuditRepository) matching(f domain.AuditFilter) []*domain.AuditEntry {
	var out []*domain.AuditEntry
	for _, e := range r.entries {
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.Operation != "" && e.Operation != f.Operation {
			continue
		}
		if f.Success != nil && e.Success != *f.Success {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (r *fakeAuditRepository) Find(ctx context.Context, filter domain.AuditFilter, page domain.Pagination) ([]*domain.AuditEntry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.matching(filter)
	start := min(page.Offset, len(all))
	end := min(start+page.Limit, len(all))
	return all[start:end], int64(len(all)), nil
}

func (r *fakeAuditRepository) Aggregate(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditAggregate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type groupKey struct {
		op      domain.Operation
		alg     domain.Algorithm
		success bool
	}
	groups := map[groupKey]*domain.AuditAggregate{}
	var order []groupKey
	for _, e := range r.matching(filter) {
		k := groupKey{e.Operation, e.Algorithm, e.Success}
		g, ok := groups[k]
		if !ok {
			g = &domain.AuditAggregate{Operation: e.Operation, Algorithm: e.Algorithm, Success: e.Success}
			groups[k] = g
			order = append(order, k)
		}
		// 平均は件数で重み付けして更新する
		g.AvgMs = (g.AvgMs*float64(g.Count) + float64(e.ProcessingTime.Microseconds())/1000) / float64(g.Count+1)
		g.Count++
	}
	out := make([]domain.AuditAggregate, len(order))
	for i, k := range order {
		out[i] = *groups[k]
	}
	return out, nil
}

func (r *fakeAuditRepository) all() []*domain.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

// fakeGuard は素材を接頭辞とXORで可逆にラップするテスト用のMaterialGuard。
// onUnwrapは次のUnwrapの冒頭で1回だけ呼ばれる。
type fakeGuard struct {
	wrapErr   error
	unwrapErr error
	block     bool
	onUnwrap  func()
}

var fakeGuardPrefix = []byte("wrapped:")

func (g *fakeGuard) Wrap(ctx context.Context, material []byte) ([]byte, error) {
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.wrapErr != nil {
		return nil, g.wrapErr
	}
	out := bytes.Clone(fakeGuardPrefix)
	for _, b := range material {
		out = append(out, b^0x5a)
	}
	return out, nil
}

func (g *fakeGuard) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if hook := g.onUnwrap; hook != nil {
		g.onUnwrap = nil
		hook()
	}
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.unwrapErr != nil {
		return nil, g.unwrapErr
	}
	if !bytes.HasPrefix(wrapped, fakeGuardPrefix) {
		return nil, domain.ErrKeyUnwrapFailed
	}
	out := make([]byte, 0, len(wrapped)-len(fakeGuardPrefix))
	for _, b := range wrapped[len(fakeGuardPrefix):] {
		out = append(out, b^0x5a)
	}
	return out, nil
}

// recordingMetrics は記録された計測値を保持する。
type recordingMetrics struct {
	mu            sync.Mutex
	operations    map[string]int
	auditFailures int
	swept         int
	hits, misses  int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{operations: make(map[string]int)}
}

func (m *recordingMetrics) RecordOperation(operation, result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations[operation+"/"+result]++
}

func (m *recordingMetrics) RecordAuditWriteFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditFailures++
}

func (m *recordingMetrics) RecordKeysSwept(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swept += n
}

func (m *recordingMetrics) RecordCacheLookup(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

// testEnv はテスト用に組み立てたサービス一式。
type testEnv struct {
	keyRepo    *fakeKeyRepository
	recordRepo *fakeRecordRepository
	auditRepo  *fakeAuditRepository
	guard      *fakeGuard
	metrics    *recordingMetrics
	cache      *KeyCache
	engine     *encryption.Engine
	keys       *KeyService
	vault      *VaultService
	audit      *AuditService
	coord      *Coordinator
}

type envOption func(*envConfig)

type envConfig struct {
	keyCfg   KeyServiceConfig
	vaultCfg VaultConfig
	coordCfg CoordinatorConfig
	limiter  RateLimiter
	noCache  bool
}

func withKeyConfig(fn func(*KeyServiceConfig)) envOption {
	return func(c *envConfig) { fn(&c.keyCfg) }
}

func withCoordinatorConfig(fn func(*CoordinatorConfig)) envOption {
	return func(c *envConfig) { fn(&c.coordCfg) }
}

func withMaxPayload(n int64) envOption {
	return func(c *envConfig) {
		c.vaultCfg.MaxPayloadBytes = n
		c.coordCfg.MaxPayloadBytes = n
	}
}

func withLimiter(l RateLimiter) envOption {
	return func(c *envConfig) { c.limiter = l }
}

func withoutCache() envOption {
	return func(c *envConfig) { c.noCache = true }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := envConfig{
		keyCfg:   KeyServiceConfig{RotationInterval: 90 * 24 * time.Hour},
		vaultCfg: VaultConfig{MaxPayloadBytes: 10 << 20},
		coordCfg: CoordinatorConfig{OperationTimeout: 5 * time.Second, MaxEncryptionAttempts: 5, MaxPayloadBytes: 10 << 20},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	engine, err := encryption.NewEngine(encryption.DefaultEngineConfig())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	env := &testEnv{
		keyRepo:    newFakeKeyRepository(),
		recordRepo: newFakeRecordRepository(),
		auditRepo:  &fakeAuditRepository{},
		guard:      &fakeGuard{},
		metrics:    newRecordingMetrics(),
		engine:     engine,
	}
	if !cfg.noCache {
		env.cache = NewKeyCache(16, time.Minute)
	}
	env.keys = NewKeyService(env.keyRepo, env.guard, engine, env.cache, env.metrics, cfg.keyCfg)
	env.vault = NewVaultService(env.keys, env.recordRepo, engine, cfg.vaultCfg)
	env.audit = NewAuditService(env.auditRepo, env.metrics, time.Second)
	env.coord = NewCoordinator(env.keys, env.vault, env.audit, engine, cfg.limiter, env.metrics, nil, cfg.coordCfg)
	return env
}

// mustGenerate はテスト用の鍵を生成する。
func (e *testEnv) mustGenerate(t *testing.T, tenantID string, kt domain.KeyType, alg domain.Algorithm) *domain.KeyMetadata {
	t.Helper()
	meta, err := e.keys.GenerateKey(context.Background(), tenantID, kt, alg, domain.CreationMetadata{Purpose: "test"})
	if err != nil {
		t.Fatalf("GenerateKey(%s, %s) failed: %v", kt, alg, err)
	}
	return meta
}

var errDatabaseDown = errors.New("database is down")
