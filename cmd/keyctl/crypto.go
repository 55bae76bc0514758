package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"key-vault-service/internal/handler"
)

// encryptCmd は値の暗号化コマンド。--valueはJSON、--textは文字列、--fileはバイナリとして扱う。
func encryptCmd() *cobra.Command {
	var tenantID, keyID, value, text, file, classification string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt and store a value",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := handler.EncryptBody{KeyID: keyID, Classification: classification}
			switch {
			case value != "":
				if !json.Valid([]byte(value)) {
					return errors.New("--value must be valid JSON (use --text for plain strings)")
				}
				req.Value = json.RawMessage(value)
			case text != "":
				b, _ := json.Marshal(text)
				req.Value = b
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("reading %s: %w", file, err)
				}
				req.Binary = data
			default:
				return errors.New("one of --value, --text or --file is required")
			}

			body, err := call(http.MethodPost, tenantPath(tenantID, "/encrypt"), nil, req, http.StatusCreated)
			if err != nil {
				return err
			}

			var result handler.EncryptResponse
			return render(cmd.OutOrStdout(), body, &result, func(w io.Writer) {
				fmt.Fprintf(w, "Encrypted %s value as %s (key: %s v%d, %s)\n",
					result.DataType, result.DataID, result.KeyID, result.KeyVersion, result.Algorithm)
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.Flags().StringVar(&value, "value", "", "JSON value to encrypt")
	cmd.Flags().StringVar(&text, "text", "", "String value to encrypt")
	cmd.Flags().StringVar(&file, "file", "", "File to encrypt as binary data")
	cmd.Flags().StringVar(&classification, "classification", "", "Data classification label")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagsMutuallyExclusive("value", "text", "file")
	return cmd
}

// decryptCmd は保存済みデータの復号コマンド。
func decryptCmd() *cobra.Command {
	var tenantID, dataID, keyID, out string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt stored data",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodPost, tenantPath(tenantID, "/decrypt"), nil,
				handler.DecryptBody{DataID: dataID, KeyID: keyID}, http.StatusOK)
			if err != nil {
				return err
			}

			var result handler.DecryptResponse
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if out != "" {
				data := result.Binary
				if result.DataType != "binary" {
					data = result.Value
				}
				if err := os.WriteFile(out, data, 0o600); err != nil {
					return fmt.Errorf("writing %s: %w", out, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(data), out)
				return nil
			}

			return render(cmd.OutOrStdout(), body, &result, func(w io.Writer) {
				if result.DataType == "binary" {
					fmt.Fprintf(w, "<%d bytes of binary data; use --out to save>\n", len(result.Binary))
					return
				}
				fmt.Fprintln(w, string(result.Value))
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&dataID, "data", "", "Data ID (required)")
	cmd.Flags().StringVar(&keyID, "key", "", "Expected key ID (optional)")
	cmd.Flags().StringVar(&out, "out", "", "Write the decrypted value to a file")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("data")
	return cmd
}

// digestInput は--dataまたは--fileから入力を読み込む。
func digestInput(data, file string) ([]byte, error) {
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
		return b, nil
	}
	return []byte(data), nil
}

// hashCmd はダイジェスト計算コマンド。
func hashCmd() *cobra.Command {
	var tenantID, algorithm, data, file string
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Compute a digest",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := digestInput(data, file)
			if err != nil {
				return err
			}
			body, err := call(http.MethodPost, tenantPath(tenantID, "/hash"), nil,
				handler.DigestBody{Algorithm: algorithm, Data: input}, http.StatusOK)
			if err != nil {
				return err
			}

			var result handler.DigestResponse
			return render(cmd.OutOrStdout(), body, &result, func(w io.Writer) {
				fmt.Fprintf(w, "%s  %s\n", result.Digest, result.Algorithm)
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Hash algorithm (default SHA-256)")
	cmd.Flags().StringVar(&data, "data", "", "Data to hash")
	cmd.Flags().StringVar(&file, "file", "", "File to hash")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

// hmacCmd はHMAC計算コマンド。
func hmacCmd() *cobra.Command {
	var tenantID, algorithm, secret, data, file string
	cmd := &cobra.Command{
		Use:   "hmac",
		Short: "Compute an HMAC",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := digestInput(data, file)
			if err != nil {
				return err
			}
			body, err := call(http.MethodPost, tenantPath(tenantID, "/hmac"), nil,
				handler.DigestBody{Algorithm: algorithm, Key: []byte(secret), Data: input}, http.StatusOK)
			if err != nil {
				return err
			}

			var result handler.DigestResponse
			return render(cmd.OutOrStdout(), body, &result, func(w io.Writer) {
				fmt.Fprintf(w, "%s  %s\n", result.Digest, result.Algorithm)
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Hash algorithm (default SHA-256)")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC key (required)")
	cmd.Flags().StringVar(&data, "data", "", "Data to authenticate")
	cmd.Flags().StringVar(&file, "file", "", "File to authenticate")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("secret")
	return cmd
}

// verifyHMACCmd はHMAC検証コマンド。一致しない場合は終了コード1を返す。
func verifyHMACCmd() *cobra.Command {
	var tenantID, algorithm, secret, data, file, signature string
	cmd := &cobra.Command{
		Use:   "verify-hmac",
		Short: "Verify an HMAC signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := digestInput(data, file)
			if err != nil {
				return err
			}
			body, err := call(http.MethodPost, tenantPath(tenantID, "/hmac/verify"), nil,
				handler.VerifyHMACBody{Algorithm: algorithm, Key: []byte(secret), Data: input, Signature: signature}, http.StatusOK)
			if err != nil {
				return err
			}

			var result handler.VerifyResponse
			if err := render(cmd.OutOrStdout(), body, &result, func(w io.Writer) {
				if result.Valid {
					fmt.Fprintln(w, "Signature is valid")
				} else {
					fmt.Fprintln(w, "Signature is INVALID")
				}
			}); err != nil {
				return err
			}
			if output != "json" && !result.Valid {
				return errors.New("signature verification failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Hash algorithm (default SHA-256)")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC key (required)")
	cmd.Flags().StringVar(&data, "data", "", "Signed data")
	cmd.Flags().StringVar(&file, "file", "", "Signed file")
	cmd.Flags().StringVar(&signature, "signature", "", "Hex encoded signature (required)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("secret")
	cmd.MarkFlagRequired("signature")
	return cmd
}
