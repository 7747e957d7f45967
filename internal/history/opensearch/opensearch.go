// Package opensearch indexes history events over the OpenSearch REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/warden/internal/history"
)

const DefaultIndex = "warden-history"

// Sink posts each event as a document to baseURL/index/_doc.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	if index == "" {
		index = DefaultIndex
	}
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	resp, err := s.do(ctx, http.MethodPost, "/_doc", b)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

type searchResp struct {
	Hits struct {
		Hits []struct {
			Source history.Event `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	q, _ := json.Marshal(map[string]any{
		"size": limit,
		"sort": []any{map[string]any{"occurred_at": map[string]string{"order": "desc"}}},
	})
	resp, err := s.do(ctx, http.MethodPost, "/_search", q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	var sr searchResp
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	out := make([]history.Event, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

// do sends body to the index endpoint; non-2xx statuses are errors.
func (s *Sink) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	u := fmt.Sprintf("%s/%s%s", s.baseURL, s.index, path)
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("opensearch %s status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
