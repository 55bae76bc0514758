package infra

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"math"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"key-vault-service/internal/domain"
)

// ErrKMSIntegrity はKMSとの通信でCRC32Cが一致しなかった場合のエラー。
var ErrKMSIntegrity = errors.New("kms response integrity check failed")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func crc32c(b []byte) int64 {
	return int64(crc32.Checksum(b, castagnoli))
}

// kmsAPI はKMSClientが利用するCloud KMSのAPI。
type kmsAPI interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest, opts ...gax.CallOption) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error)
	Close() error
}

// KMSClient はCloud KMSの鍵をマスターキーとして鍵素材をラップする。
type KMSClient struct {
	client  kmsAPI
	keyName string
	limiter *rate.Limiter
}

// NewKMSClient は指定されたキー名でKMSClientを生成する。
// maxQPSが正の場合、KMSへの呼び出しをその秒間回数までに抑える。
func NewKMSClient(ctx context.Context, keyName string, maxQPS float64) (*KMSClient, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS key name is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	return newKMSClient(client, keyName, maxQPS), nil
}

func newKMSClient(client kmsAPI, keyName string, maxQPS float64) *KMSClient {
	c := &KMSClient{client: client, keyName: keyName}
	if maxQPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(maxQPS), int(math.Ceil(maxQPS)))
	}
	return c
}

// wait はKMSの呼び出し枠が空くまで待つ。期限内に空かない場合はDeadlineExceededを返す。
func (c *KMSClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: waiting for KMS quota: %v", context.DeadlineExceeded, err)
	}
	return nil
}

// Wrap は鍵素材をCloud KMSで暗号化する。
func (c *KMSClient) Wrap(ctx context.Context, material []byte) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req := &kmspb.EncryptRequest{
		Name:            c.keyName,
		Plaintext:       material,
		PlaintextCrc32C: wrapperspb.Int64(crc32c(material)),
	}
	resp, err := c.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}

	// リクエストがKMSに正しく届き、応答が破損していないことを確認する
	if !resp.VerifiedPlaintextCrc32C {
		return nil, fmt.Errorf("encrypting: %w: request corrupted in-transit", ErrKMSIntegrity)
	}
	if resp.CiphertextCrc32C == nil || crc32c(resp.Ciphertext) != resp.CiphertextCrc32C.Value {
		return nil, fmt.Errorf("encrypting: %w: response corrupted in-transit", ErrKMSIntegrity)
	}
	return resp.Ciphertext, nil
}

// Unwrap はCloud KMSで鍵素材を復号する。失敗はすべてErrKeyUnwrapFailedとなる。
// 呼び出し枠の待機中に期限切れとなった場合はコンテキストのエラーを返す。
func (c *KMSClient) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req := &kmspb.DecryptRequest{
		Name:             c.keyName,
		Ciphertext:       wrapped,
		CiphertextCrc32C: wrapperspb.Int64(crc32c(wrapped)),
	}
	resp, err := c.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyUnwrapFailed, err)
	}
	if resp.PlaintextCrc32C == nil || crc32c(resp.Plaintext) != resp.PlaintextCrc32C.Value {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyUnwrapFailed, ErrKMSIntegrity)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}
