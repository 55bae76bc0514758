package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"key-vault-service/internal/handler"
)

// auditFlags は監査ログの絞り込みフラグ。
type auditFlags struct {
	operation, keyID, dataID, algorithm, requester, success, since, until string
}

func (f *auditFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.operation, "operation", "", "Filter by operation: encrypt, decrypt, key_generate, key_rotate, key_revoke")
	cmd.Flags().StringVar(&f.keyID, "key", "", "Filter by key ID")
	cmd.Flags().StringVar(&f.dataID, "data", "", "Filter by data ID")
	cmd.Flags().StringVar(&f.algorithm, "algorithm", "", "Filter by algorithm")
	cmd.Flags().StringVar(&f.requester, "by", "", "Filter by requester")
	cmd.Flags().StringVar(&f.success, "success", "", "Filter by outcome: true, false")
	cmd.Flags().StringVar(&f.since, "since", "", "Only entries at or after this RFC 3339 time")
	cmd.Flags().StringVar(&f.until, "until", "", "Only entries at or before this RFC 3339 time")
}

func (f *auditFlags) query() url.Values {
	q := url.Values{}
	for name, v := range map[string]string{
		"operation": f.operation,
		"key_id":    f.keyID,
		"data_id":   f.dataID,
		"algorithm": f.algorithm,
		"requester": f.requester,
		"success":   f.success,
		"since":     f.since,
		"until":     f.until,
	} {
		if v != "" {
			q.Set(name, v)
		}
	}
	return q
}

// auditCmd は監査ログの検索コマンド。
func auditCmd() *cobra.Command {
	var tenantID string
	var limit, offset int
	var filter auditFlags
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := filter.query()
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			body, err := call(http.MethodGet, tenantPath(tenantID, "/audit"), q, nil, http.StatusOK)
			if err != nil {
				return err
			}

			var page handler.AuditPageResponse
			return render(cmd.OutOrStdout(), body, &page, func(out io.Writer) {
				w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "TIME\tOPERATION\tKEY\tDATA\tRESULT\tMS\tREQUESTER")
				for _, e := range page.Entries {
					result := "ok"
					if !e.Success {
						result = e.ErrorCode
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
						e.CreatedAt, e.Operation, orDash(e.KeyID), orDash(e.DataID), result, e.ProcessingTimeMs, orDash(e.Requester))
				}
				w.Flush()
				fmt.Fprintf(out, "Showing %d of %d entries (offset %d)\n", len(page.Entries), page.Total, page.Offset)
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries to return (server default when 0)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries to skip")
	filter.register(cmd)
	cmd.MarkFlagRequired("tenant")
	return cmd
}

// statsCmd は監査統計コマンド。
func statsCmd() *cobra.Command {
	var tenantID string
	var filter auditFlags
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show operation statistics of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, tenantPath(tenantID, "/audit/statistics"), filter.query(), nil, http.StatusOK)
			if err != nil {
				return err
			}

			var stats handler.StatisticsResponse
			return render(cmd.OutOrStdout(), body, &stats, func(out io.Writer) {
				fmt.Fprintf(out, "Total: %d (success: %d, failure: %d, avg: %.2fms)\n",
					stats.Total, stats.Successes, stats.Failures, stats.AvgMs)
				w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "GROUP\tNAME\tCOUNT\tSUCCESS\tFAILURE\tAVG_MS")
				printBuckets(w, "operation", stats.ByOperation)
				printBuckets(w, "algorithm", stats.ByAlgorithm)
				w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	filter.register(cmd)
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func printBuckets(w io.Writer, group string, buckets map[string]handler.BucketResponse) {
	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := buckets[name]
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.2f\n", group, name, b.Count, b.Successes, b.Failures, b.AvgMs)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
