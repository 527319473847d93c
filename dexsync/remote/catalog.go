// Package remote holds the read-only client for the authoritative catalog
// service.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dexsync/dexsync/config"
	"dexsync/dexsync/models"
	"dexsync/dexsync/state"
)

// CatalogSource fetches catalog entries from the remote API.
type CatalogSource interface {
	FetchList(ctx context.Context, limit, offset int) ([]models.Entry, error)
	FetchByID(ctx context.Context, id int64) (models.Entry, error)
	FetchByName(ctx context.Context, name string) (models.Entry, error)
}

type httpCatalogSource struct {
	baseURL string
	client  *http.Client
}

func NewCatalogSource(baseURL string, timeout time.Duration) CatalogSource {
	if timeout <= 0 {
		timeout = config.CatalogHTTPTimeout
	}
	return &httpCatalogSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type listResponse struct {
	Count   int            `json:"count"`
	Results []models.Entry `json:"results"`
}

func (s *httpCatalogSource) FetchList(ctx context.Context, limit, offset int) ([]models.Entry, error) {
	if limit <= 0 {
		limit = config.DefaultPageSize
	}

	endpoint := fmt.Sprintf("%s/entries?limit=%d&offset=%d", s.baseURL, limit, offset)

	var resp listResponse
	if err := s.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (s *httpCatalogSource) FetchByID(ctx context.Context, id int64) (models.Entry, error) {
	endpoint := fmt.Sprintf("%s/entries/%d", s.baseURL, id)

	var entry models.Entry
	if err := s.getJSON(ctx, endpoint, &entry); err != nil {
		return models.Entry{}, err
	}
	return entry, nil
}

func (s *httpCatalogSource) FetchByName(ctx context.Context, name string) (models.Entry, error) {
	endpoint := fmt.Sprintf("%s/entries/name/%s", s.baseURL, url.PathEscape(strings.ToLower(name)))

	var entry models.Entry
	if err := s.getJSON(ctx, endpoint, &entry); err != nil {
		return models.Entry{}, err
	}
	return entry, nil
}

func (s *httpCatalogSource) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return state.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("catalog returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode catalog response: %w", err)
	}
	return nil
}
