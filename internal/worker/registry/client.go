package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/case-import/internal/worker/domain"
)

var (
	ErrRegistryUnreachable = errors.New("registry unreachable")
	ErrRegistryTimeout     = errors.New("registry timeout")
	ErrRegistryResponse    = errors.New("registry error response")
)

// Client looks cases up in the court registry
type Client interface {
	SearchCase(ctx context.Context, q Query) (*domain.CaseInfo, error)
}

// Query identifies a case in the registry
type Query struct {
	CourtName string `json:"court_name"`
	Year      string `json:"year"`
	CaseType  string `json:"case_type"`
	Serial    string `json:"serial"`
	PartyName string `json:"party_name"`
}

// Key is a stable identifier for caching
func (q Query) Key() string {
	return strings.Join([]string{q.CourtName, q.Year, q.CaseType, q.Serial, q.PartyName}, "|")
}

// HTTPClient implements Client over the registry gateway's JSON API
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a registry client
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type searchResponse struct {
	Found bool             `json:"found"`
	Case  *domain.CaseInfo `json:"case"`
	Error string           `json:"error,omitempty"`
}

// SearchCase implements Client. ErrCaseNotFound is returned when the registry
// has no matching case.
func (c *HTTPClient) SearchCase(ctx context.Context, q Query) (*domain.CaseInfo, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cases/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrCaseNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrRegistryResponse, resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}

	if !out.Found || out.Case == nil || out.Case.Handle == "" {
		if out.Error != "" {
			return nil, fmt.Errorf("%w: %s", domain.ErrCaseNotFound, out.Error)
		}
		return nil, domain.ErrCaseNotFound
	}

	return out.Case, nil
}

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrRegistryTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrRegistryTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrRegistryUnreachable, err)
}
