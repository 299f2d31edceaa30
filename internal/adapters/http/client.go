// Package http implements the backlog, fetch and submit collaborators
// against plain HTTP endpoints of the source and target systems.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/driver"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/log"
)

// HTTPClient abstracts HTTP operations for dependency injection.
// The standard *http.Client satisfies this interface.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxErrorBody bounds how much of an error response is quoted.
const maxErrorBody = 512

// StatusError reports a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: server returned %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func do(client HTTPClient, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method: req.Method,
			URL:    req.URL.String(),
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}

// Backlog reads GET {base}/backlog?page=N returning {"ids": [...]}.
type Backlog struct {
	base   string
	client HTTPClient
	logger log.Logger
}

// NewBacklog creates a backlog reader for the source system at base.
func NewBacklog(base string, client HTTPClient, logger log.Logger) *Backlog {
	return &Backlog{base: strings.TrimRight(base, "/"), client: client, logger: log.OrNoop(logger)}
}

// Page returns the ids on page n.
func (b *Backlog) Page(ctx context.Context, n int) ([]string, error) {
	endpoint := b.base + "/backlog?page=" + strconv.Itoa(n)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := do(b.client, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var page struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode backlog page %d: %w", n, err)
	}
	b.logger.Debug("backlog page fetched", log.Int("page", n), log.Int("ids", len(page.IDs)))
	return page.IDs, nil
}

// Fetcher reads GET {base}/records/{id} and returns the body verbatim.
type Fetcher struct {
	base   string
	client HTTPClient
}

// NewFetcher creates a record fetcher for the source system at base.
func NewFetcher(base string, client HTTPClient) *Fetcher {
	return &Fetcher{base: strings.TrimRight(base, "/"), client: client}
}

// Fetch returns the raw payload of record id.
func (f *Fetcher) Fetch(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"/records/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := do(f.client, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}
	return raw, nil
}

// Submitter posts to {base}/records?sourceId={id} and reads {"id": "..."}.
// A 409 Conflict means the target already holds the record and counts as
// success.
type Submitter struct {
	base        string
	client      HTTPClient
	contentType string
	logger      log.Logger
}

// NewSubmitter creates a submitter for the target system at base. Payloads
// are sent as JSON.
func NewSubmitter(base string, client HTTPClient, logger log.Logger) *Submitter {
	return &Submitter{
		base:        strings.TrimRight(base, "/"),
		client:      client,
		contentType: "application/json",
		logger:      log.OrNoop(logger),
	}
}

// Submit creates the record and returns the identifier the target assigned.
func (s *Submitter) Submit(ctx context.Context, id string, payload []byte) (string, error) {
	endpoint := s.base + "/records?sourceId=" + url.QueryEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", s.contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := do(s.client, req)
	if IsStatus(err, http.StatusConflict) {
		s.logger.Info("record already present in target", log.String("id", id))
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("decode submit response for %s: %w", id, err)
	}
	return created.ID, nil
}

var (
	_ driver.Backlog   = (*Backlog)(nil)
	_ driver.Fetcher   = (*Fetcher)(nil)
	_ driver.Submitter = (*Submitter)(nil)
)
