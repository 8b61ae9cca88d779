// Package main provides the Grain Search command line client.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/search"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "grain-search",
		Short: "Grain Search - distributed split search client",
		Long: `Grain Search queries time-sliced index splits across a cluster of nodes.

Run 'grain-search search <index> <query>' to execute a query.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "server base URL")
	rootCmd.PersistentFlags().String("format", "text", "output format (text, json)")

	rootCmd.AddCommand(
		searchCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <index> <query>",
		Short: "Execute a search query against an index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			format, _ := cmd.Flags().GetString("format")
			filters, _ := cmd.Flags().GetStringSlice("filter")
			tags, _ := cmd.Flags().GetStringSlice("tag")
			startTime, _ := cmd.Flags().GetInt64("start-time")
			endTime, _ := cmd.Flags().GetInt64("end-time")
			sortField, _ := cmd.Flags().GetString("sort")
			order, _ := cmd.Flags().GetString("order")
			offset, _ := cmd.Flags().GetInt("offset")
			limit, _ := cmd.Flags().GetInt("limit")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			req := search.Request{
				Query:     args[1],
				StartTime: startTime,
				EndTime:   endTime,
				Tags:      tags,
				SortField: sortField,
				Order:     search.SortOrder(order),
				Offset:    offset,
				Limit:     limit,
			}
			if timeout > 0 {
				req.TimeoutMs = timeout.Milliseconds()
			}
			for _, f := range filters {
				field, value, ok := strings.Cut(f, "=")
				if !ok {
					return fmt.Errorf("invalid filter %q: want field=value", f)
				}
				if req.Filters == nil {
					req.Filters = make(map[string]string)
				}
				req.Filters[field] = value
			}

			resp, err := doSearch(server, args[0], &req, timeout)
			if err != nil {
				return err
			}

			if format == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			printResponse(resp)
			return nil
		},
	}

	cmd.Flags().StringSlice("filter", nil, "exact-match filter (field=value, repeatable)")
	cmd.Flags().StringSlice("tag", nil, "split tag restriction (repeatable)")
	cmd.Flags().Int64("start-time", 0, "start of the time range (Unix seconds)")
	cmd.Flags().Int64("end-time", 0, "end of the time range (Unix seconds)")
	cmd.Flags().String("sort", "", "sort field (empty for relevance)")
	cmd.Flags().String("order", "", "sort order (asc, desc)")
	cmd.Flags().Int("offset", 0, "result offset")
	cmd.Flags().IntP("limit", "n", 0, "result limit")
	cmd.Flags().Duration("timeout", 0, "query timeout")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("grain-search %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

func doSearch(server, indexID string, req *search.Request, timeout time.Duration) (*search.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	clientTimeout := 30 * time.Second
	if timeout > 0 {
		clientTimeout = timeout + 5*time.Second
	}
	client := &http.Client{Timeout: clientTimeout}

	url := strings.TrimRight(server, "/") + "/v1/indexes/" + indexID + "/search"
	httpResp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("contacting server: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var errResp apperrors.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Code != "" {
			return nil, fmt.Errorf("search failed (%s): %s", errResp.Code, errResp.Message)
		}
		return nil, fmt.Errorf("search failed: HTTP %d", httpResp.StatusCode)
	}

	var resp search.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

func printResponse(resp *search.Response) {
	qualifier := ""
	if !resp.CountExact {
		qualifier = "at least "
	}
	fmt.Printf("%s%d matches in %dms\n", qualifier, resp.TotalMatches, resp.ElapsedMs)

	for i, hit := range resp.Hits {
		fmt.Printf("%3d. %-24s doc=%-8d score=%g\n", i+1, hit.SplitID, hit.DocID, hit.SortValue)
		for field, value := range hit.Fields {
			fmt.Printf("     %s: %v\n", field, value)
		}
	}

	for name, agg := range resp.Aggs {
		switch {
		case len(agg.Buckets) > 0:
			fmt.Printf("agg %s:\n", name)
			for _, b := range agg.Buckets {
				fmt.Printf("  %-24s %d\n", b.Key, b.Count)
			}
		case agg.Kind == "count":
			fmt.Printf("agg %s: %d\n", name, agg.Count)
		default:
			fmt.Printf("agg %s: %g\n", name, agg.Value)
		}
	}

	if len(resp.FailedSplits) > 0 {
		fmt.Printf("warning: %d split(s) failed\n", len(resp.FailedSplits))
		for _, f := range resp.FailedSplits {
			fmt.Printf("  %s: %s (%s)\n", f.SplitID, f.Message, f.Code)
		}
	}
}
