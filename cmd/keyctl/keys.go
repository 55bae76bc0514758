package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"key-vault-service/internal/domain"
	"key-vault-service/internal/handler"
)

// generateCmd は鍵の生成コマンド。
func generateCmd() *cobra.Command {
	var tenantID, keyType, algorithm string
	var meta domain.CreationMetadata
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new key for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodPost, tenantPath(tenantID, "/keys"), nil, handler.CreateKeyRequest{
				KeyType:   keyType,
				Algorithm: algorithm,
				Metadata:  meta,
			}, http.StatusCreated)
			if err != nil {
				return err
			}

			var key handler.KeyResponse
			return render(cmd.OutOrStdout(), body, &key, func(w io.Writer) {
				fmt.Fprintf(w, "Generated %s key %s for tenant %q (algorithm: %s, expires: %s)\n",
					key.KeyType, key.ID, tenantID, key.Algorithm, key.ExpiresAt)
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&keyType, "type", "symmetric", "Key type: symmetric, asymmetric, hybrid")
	cmd.Flags().StringVar(&algorithm, "algorithm", "AES-256", "Algorithm, e.g. AES-256, CHACHA20-POLY1305, RSA-2048, EC-P256")
	cmd.Flags().StringVar(&meta.Purpose, "purpose", "", "Key purpose")
	cmd.Flags().StringVar(&meta.Environment, "environment", "", "Deployment environment")
	cmd.Flags().StringSliceVar(&meta.ComplianceTags, "tag", nil, "Compliance tag (repeatable)")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

// listCmd は鍵一覧の取得コマンド。
func listCmd() *cobra.Command {
	var tenantID, status, keyType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if keyType != "" {
				q.Set("key_type", keyType)
			}
			body, err := call(http.MethodGet, tenantPath(tenantID, "/keys"), q, nil, http.StatusOK)
			if err != nil {
				return err
			}

			var result handler.KeyListResponse
			return render(cmd.OutOrStdout(), body, &result, func(out io.Writer) {
				w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "ID\tTYPE\tALGORITHM\tVERSION\tSTATUS\tEXPIRES_AT")
				for _, k := range result.Keys {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", k.ID, k.KeyType, k.Algorithm, k.Version, k.Status, k.ExpiresAt)
				}
				w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: active, rotated, revoked, hard_revoked, expired")
	cmd.Flags().StringVar(&keyType, "type", "", "Filter by key type")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

// rotateCmd は鍵のローテーションコマンド。
func rotateCmd() *cobra.Command {
	var tenantID, keyID, reason string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodPost, tenantPath(tenantID, "/keys/"+url.PathEscape(keyID)+"/rotate"), nil,
				map[string]string{"reason": reason}, http.StatusCreated)
			if err != nil {
				return err
			}

			var result handler.RotateKeyResponse
			return render(cmd.OutOrStdout(), body, &result, func(w io.Writer) {
				fmt.Fprintf(w, "Rotated key %s -> %s (new version: %d)\n", result.OldKeyID, result.NewKeyID, result.NewVersion)
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Rotation reason")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("key")
	return cmd
}

// revokeCmd は鍵の失効コマンド。
func revokeCmd() *cobra.Command {
	var tenantID, keyID, reason string
	var hard bool
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a key (--hard also blocks decryption)",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodPost, tenantPath(tenantID, "/keys/"+url.PathEscape(keyID)+"/revoke"), nil,
				map[string]any{"reason": reason, "hard": hard}, http.StatusOK)
			if err != nil {
				return err
			}

			var key handler.KeyResponse
			return render(cmd.OutOrStdout(), body, &key, func(w io.Writer) {
				fmt.Fprintf(w, "Revoked key %s (status: %s)\n", key.ID, key.Status)
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Revocation reason")
	cmd.Flags().BoolVar(&hard, "hard", false, "Block decryption with this key as well")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("key")
	return cmd
}

// resetAttemptsCmd はロックアウト解除コマンド。
func resetAttemptsCmd() *cobra.Command {
	var tenantID, keyID string
	cmd := &cobra.Command{
		Use:   "reset-attempts",
		Short: "Clear failed attempts and unlock a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodPost, tenantPath(tenantID, "/keys/"+url.PathEscape(keyID)+"/reset-attempts"), nil, nil, http.StatusOK)
			if err != nil {
				return err
			}

			var result handler.ResetAttemptsResponse
			return render(cmd.OutOrStdout(), body, &result, func(w io.Writer) {
				if result.Cleared {
					fmt.Fprintf(w, "Cleared failed attempts for key %s\n", result.KeyID)
				} else {
					fmt.Fprintf(w, "No failed attempts recorded for key %s\n", result.KeyID)
				}
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("key")
	return cmd
}
