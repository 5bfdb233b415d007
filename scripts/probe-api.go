//go:build ignore

// probe-api.go hits every read-only endpoint of a running citeledger
// deployment and reports status, latency, and whether the body is JSON.
// Any non-200 makes it exit nonzero, so it can gate a deploy.
//
// Run with: go run scripts/probe-api.go
// Target another host: SERVER=https://commit.example.org go run scripts/probe-api.go
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Read-only paths. The probe never submits anything to the ledger.
var paths = []string{
	"/",
	"/healthz",
	"/metrics",
	"/api/v1/ledger/operations",
}

type result struct {
	path     string
	status   int
	bodySnip string // first 200 chars
	err      string
	latency  time.Duration
}

func probe(server, path string, client *http.Client) result {
	start := time.Now()

	req, err := http.NewRequest(http.MethodGet, server+path, nil)
	if err != nil {
		return result{path: path, err: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		msg := err.Error()
		if len(msg) > 60 {
			msg = msg[:60] + "..."
		}
		return result{path: path, err: msg, latency: latency}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	snip := strings.TrimSpace(string(body))
	if len(snip) > 200 {
		snip = snip[:200] + "..."
	}

	return result{
		path:     path,
		status:   resp.StatusCode,
		bodySnip: snip,
		latency:  latency,
	}
}

func isJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

func main() {
	server := os.Getenv("SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	server = strings.TrimRight(server, "/")

	client := &http.Client{Timeout: 8 * time.Second}

	results := make(chan result, len(paths))
	var wg sync.WaitGroup
	for _, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			results <- probe(server, p, client)
		}(p)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var rows []result
	for r := range results {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].path < rows[j].path })

	// ── Report ────────────────────────────────────────────────────────────────
	fmt.Printf("══════════════════════════════════════════════════════\n")
	fmt.Printf("  citeledger API probe: %s\n", server)
	fmt.Printf("══════════════════════════════════════════════════════\n\n")

	failed := 0
	for _, r := range rows {
		switch {
		case r.err != "":
			failed++
			fmt.Printf("  ✗ %-28s  %s\n", r.path, r.err)
		case r.status != http.StatusOK:
			failed++
			fmt.Printf("  ✗ %-28s  %d  %s\n", r.path, r.status, r.bodySnip)
		default:
			kind := "text"
			if isJSON(r.bodySnip) {
				kind = "json"
			}
			fmt.Printf("  ✓ %-28s  200  %-4s  %s\n", r.path, kind, r.latency.Round(time.Millisecond))
		}
	}

	fmt.Println()
	if failed > 0 {
		fmt.Printf("%d of %d endpoints failed\n", failed, len(rows))
		os.Exit(1)
	}
	fmt.Printf("all %d endpoints healthy\n", len(rows))
}
