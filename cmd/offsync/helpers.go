package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Prismer-AI/offsync"
)

// bridgeClient talks to a running "offsync run" process.
type bridgeClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

func newBridgeClient(cfg *offsync.Config) *bridgeClient {
	base := cfg.Bridge.Listen
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &bridgeClient{
		baseURL:    strings.TrimRight(base, "/"),
		secret:     cfg.Bridge.Secret,
		httpClient: &http.Client{Timeout: cfg.Remote.Timeout + 10*time.Second},
	}
}

func (c *bridgeClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *bridgeClient) post(ctx context.Context, path string, body, out any) error {
	data := []byte("{}")
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, data, out)
}

func (c *bridgeClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if c.secret != "" {
			req.Header.Set(offsync.SignatureHeader, offsync.SignBody(body, c.secret))
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge unreachable at %s (is 'offsync run' running?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("bridge returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("bridge returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSweeps(results []offsync.SweepResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FEATURE\tATTEMPTED\tSUCCEEDED\tFAILED\tNOTE")
	for _, r := range results {
		note := r.Summary.SkipReason
		if r.Error != "" {
			note = "error: " + r.Error
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", r.Feature, r.Summary.Attempted, r.Summary.Succeeded, r.Summary.Failed, note)
	}
	w.Flush()
}

func printPending(items []offsync.PendingItem) {
	if len(items) == 0 {
		fmt.Println("Nothing waiting to sync.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FEATURE\tID\tSTATUS\tMODIFIED\tERROR")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", it.Feature, it.ID, it.Status, it.LastModified.Local().Format(time.DateTime), it.LastError)
	}
	w.Flush()
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
