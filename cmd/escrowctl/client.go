package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitResult mirrors both the success and the failure body of
// POST /v1/transactions.
type SubmitResult struct {
	Signature string   `json:"signature,omitempty"`
	Logs      []string `json:"logs"`
	Error     string   `json:"error,omitempty"`
	Code      uint32   `json:"code,omitempty"`
	CodeName  string   `json:"code_name,omitempty"`
}

func (c *client) Submit(ctx context.Context, tx *solana.Transaction) (*SubmitResult, error) {
	encoded, err := tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	body, err := json.Marshal(map[string]string{"transaction": encoded})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var result SubmitResult
	status, err := c.do(req, &result)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		if result.Error == "" {
			result.Error = http.StatusText(status)
		}
		return &result, fmt.Errorf("transaction rejected (%d): %s", status, result.Error)
	}
	return &result, nil
}

func (c *client) Game(ctx context.Context, game solana.PublicKey) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/games/"+game.String(), nil)
	if err != nil {
		return nil, err
	}
	var record map[string]any
	status, err := c.do(req, &record)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get game %s (%d): %v", game, status, record["error"])
	}
	return record, nil
}

func (c *client) do(req *http.Request, out any) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}
