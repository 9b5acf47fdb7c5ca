package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
)

type verifyReport struct {
	Verified bool   `json:"verified"`
	Length   int    `json:"length"`
	Head     string `json:"head,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// runVerifyCmd implements `helm-proposals verify`.
//
// Loads a chain checkpoint and recomputes every link.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		checkpoint string
		driver     string
		hasherName string
		jsonOutput bool
	)

	cmd.StringVar(&checkpoint, "checkpoint", "", "Checkpoint DSN (REQUIRED)")
	cmd.StringVar(&driver, "driver", string(chain.DialectSQLite), "Checkpoint driver: sqlite or postgres")
	cmd.StringVar(&hasherName, "hasher", string(chain.SHA256), "Chain hash function")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if checkpoint == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --checkpoint is required")
		return 2
	}
	hasher, err := chain.ParseHasher(hasherName)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	store, err := chain.Open(ctx, chain.Dialect(driver), checkpoint)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = store.Close() }()

	events, err := store.Load(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report := verifyReport{Length: len(events)}
	if l, err := chain.Restore(events, chain.WithHasher(hasher)); err != nil {
		report.Reason = err.Error()
	} else {
		report.Verified = true
		report.Head = l.Proof()
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "✅ chain verified: %d events, head %s\n", report.Length, report.Head)
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ chain verification failed: %s\n", report.Reason)
	}

	if !report.Verified {
		return 1
	}
	return 0
}
