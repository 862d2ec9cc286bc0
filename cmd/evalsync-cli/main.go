package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/NikhilSetiya/evalsync/internal/api"
	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

var version = "dev"

const defaultAPIURL = "http://localhost:8080"

type globalOptions struct {
	apiURL  string
	secret  string
	timeout time.Duration
	json    bool
}

func main() {
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	command, rest := args[0], args[1:]
	switch command {
	case "version":
		fmt.Fprintf(stdout, "evalsync-cli %s\n", version)
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "sync", "status", "patterns":
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage(stderr)
		return 1
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts globalOptions
	fs.StringVar(&opts.apiURL, "api-url", envOr("EVALSYNC_API_URL", defaultAPIURL), "evalsync admin API URL")
	fs.StringVar(&opts.secret, "admin-secret", os.Getenv("ADMIN_JWT_SECRET"), "secret used to sign admin tokens")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "request timeout")
	fs.BoolVar(&opts.json, "json", false, "print raw JSON")

	var (
		dataset       = fs.String("dataset", "", "filter patterns by dataset")
		kind          = fs.String("kind", "", "filter patterns by kind (QA, RAG, EVAL)")
		experimentID  = fs.String("experiment", "", "filter patterns by experiment ID")
		minConfidence = fs.Float64("min-confidence", 0, "minimum pattern confidence")
		page          = fs.Int("page", 1, "page number")
		pageSize      = fs.Int("page-size", 50, "patterns per page")
		async         = fs.Bool("async", false, "start the cycle and return without waiting")
	)

	if err := fs.Parse(rest); err != nil {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	client := newAPIClient(opts.apiURL, opts.secret, opts.timeout)

	var err error
	switch command {
	case "sync":
		err = runSync(ctx, client, *async, opts, stdout)
	case "status":
		err = runStatus(ctx, client, opts, stdout)
	case "patterns":
		query := url.Values{}
		setIf(query, "dataset", *dataset)
		setIf(query, "kind", strings.ToUpper(*kind))
		setIf(query, "experiment_id", *experimentID)
		if *minConfidence > 0 {
			query.Set("min_confidence", strconv.FormatFloat(*minConfidence, 'f', -1, 64))
		}
		query.Set("page", strconv.Itoa(*page))
		query.Set("page_size", strconv.Itoa(*pageSize))
		err = runPatterns(ctx, client, query, opts, stdout)
	}

	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.IsType(err, errors.ErrorTypeConflict) {
			return 2
		}
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "evalsync-cli - control a running evalsync daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  evalsync-cli sync [--async]          Run one sync cycle now")
	fmt.Fprintln(w, "  evalsync-cli status                  Show scheduler and breaker state")
	fmt.Fprintln(w, "  evalsync-cli patterns [filters]      List persisted patterns")
	fmt.Fprintln(w, "  evalsync-cli version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Common options:")
	fmt.Fprintln(w, "  --api-url=URL          Admin API URL (default $EVALSYNC_API_URL or "+defaultAPIURL+")")
	fmt.Fprintln(w, "  --admin-secret=SECRET  Signs admin tokens (default $ADMIN_JWT_SECRET)")
	fmt.Fprintln(w, "  --timeout=DURATION     Request timeout (default 10m)")
	fmt.Fprintln(w, "  --json                 Print raw JSON")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Pattern filters:")
	fmt.Fprintln(w, "  --dataset=NAME --kind=QA|RAG|EVAL --experiment=ID --min-confidence=0.8 --page=1 --page-size=50")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Exit status is 2 when a sync cycle is already running.")
}

func runSync(ctx context.Context, client *apiClient, async bool, opts globalOptions, w io.Writer) error {
	if async {
		var resp api.TriggerResponse
		if _, err := client.do(ctx, http.MethodPost, "/api/v1/sync", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s (scheduler %s)\n", resp.Message, resp.State)
		return nil
	}

	var run types.SyncRun
	if _, err := client.do(ctx, http.MethodPost, "/api/v1/sync", url.Values{"wait": {"true"}}, &run); err != nil {
		return err
	}
	if opts.json {
		return printJSON(w, run)
	}

	fmt.Fprintf(w, "Run %s (%s) finished in %s\n", run.ID, run.Trigger, run.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  targets:   %d (succeeded %d, failed %d, skipped %d)\n", len(run.Targets), run.Succeeded, run.Failed, run.Skipped)
	fmt.Fprintf(w, "  patterns:  %d extracted, %d persisted\n", run.PatternsExtracted, run.PatternsPersisted)
	for _, f := range run.Failures {
		fmt.Fprintf(w, "  failed:    %s (%s)\n", f.DatasetName, f.Reason)
	}
	return nil
}

func runStatus(ctx context.Context, client *apiClient, opts globalOptions, w io.Writer) error {
	var status api.SyncStatusResponse
	if _, err := client.do(ctx, http.MethodGet, "/api/v1/sync/status", nil, &status); err != nil {
		return err
	}
	if opts.json {
		return printJSON(w, status)
	}

	s := status.Scheduler
	fmt.Fprintf(w, "Scheduler: %s (every %s)\n", s.State, s.Interval)
	fmt.Fprintf(w, "Targets:   %s\n", strings.Join(s.Targets, ", "))
	if s.NextTick != nil {
		fmt.Fprintf(w, "Next tick: %s\n", s.NextTick.Format(time.RFC3339))
	}
	if s.LastRun != nil {
		fmt.Fprintf(w, "Last run:  %s at %s (succeeded %d, failed %d, skipped %d)\n",
			s.LastRun.ID, s.LastRun.StartedAt.Format(time.RFC3339), s.LastRun.Succeeded, s.LastRun.Failed, s.LastRun.Skipped)
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", s.LastError)
	}
	for _, b := range status.Breakers {
		fmt.Fprintf(w, "Breaker %s: %s (consecutive failures %d)\n", b.Name, b.StateStr, b.Counts.ConsecutiveFailures)
	}
	return nil
}

func runPatterns(ctx context.Context, client *apiClient, query url.Values, opts globalOptions, w io.Writer) error {
	var patterns []types.Pattern
	meta, err := client.do(ctx, http.MethodGet, "/api/v1/patterns", query, &patterns)
	if err != nil {
		return err
	}
	if opts.json {
		return printJSON(w, patterns)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATASET\tEXPERIMENT\tKIND\tCONFIDENCE\tUPDATED")
	for _, p := range patterns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%s\n", p.DatasetName, p.ExperimentID, p.Kind, p.Confidence, p.UpdatedAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if meta != nil && meta.Pagination != nil {
		fmt.Fprintf(w, "\npage %d of %d (%d patterns)\n", meta.Pagination.Page, meta.Pagination.TotalPages, meta.Pagination.Total)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
