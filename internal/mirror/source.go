package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PratikDhanave/journal-sync-service/internal/models"
	"github.com/PratikDhanave/journal-sync-service/internal/parser"
)

// HTTPSource reads events from the server's HTTP surface.
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPSource reads from baseURL with the given per-request timeout.
func NewHTTPSource(baseURL, apiKey string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Count calls GET /events/count.
func (s *HTTPSource) Count(ctx context.Context) (int64, error) {
	body, err := s.get(ctx, "/events/count", nil)
	if err != nil {
		return 0, err
	}
	var r models.CountResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return 0, transportErr("count", err)
	}
	return r.Count, nil
}

// All calls GET /events without paging.
func (s *HTTPSource) All(ctx context.Context) ([]models.Event, error) {
	body, err := s.get(ctx, "/events", nil)
	if err != nil {
		return nil, err
	}
	return decodeEvents(body)
}

// Recent fetches the newest limit events.
func (s *HTTPSource) Recent(ctx context.Context, limit int) ([]models.Event, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", "0")
	body, err := s.get(ctx, "/events", q)
	if err != nil {
		return nil, err
	}
	return decodeEvents(body)
}

func (s *HTTPSource) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	target := s.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, transportErr(path, err)
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, transportErr(path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportErr(path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, transportErr(path, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}
	return body, nil
}

// decodeEvents accepts either {"data": [...], "total": n} or a bare array and
// normalizes each record. Records that cannot be normalized are skipped.
func decodeEvents(body []byte) ([]models.Event, error) {
	trimmed := bytes.TrimSpace(body)
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var records []map[string]any
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := dec.Decode(&records); err != nil {
			return nil, transportErr("decode events", err)
		}
	} else {
		var page struct {
			Data []map[string]any `json:"data"`
		}
		if err := dec.Decode(&page); err != nil {
			return nil, transportErr("decode events", err)
		}
		records = page.Data
	}

	events := make([]models.Event, 0, len(records))
	skipped := 0
	for _, rec := range records {
		e, err := parser.Normalize(rec, "", "")
		if err != nil {
			skipped++
			continue
		}
		events = append(events, e)
	}
	if skipped > 0 {
		log.Printf("mirror: skipped %d malformed records", skipped)
	}
	return events, nil
}
