package offsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Remote service
// ============================================================================

//go:generate mockgen -destination=mocks/mock_remote.go -package=mocks github.com/Prismer-AI/offsync RemoteService

// RemoteService is the record API the sync engine pushes to.
type RemoteService interface {
	Create(ctx context.Context, collection string, data map[string]any) (Record, error)
	Update(ctx context.Context, collection, id string, data map[string]any) (Record, error)
	List(ctx context.Context, collection, filter string) ([]Record, error)
}

const (
	DefaultRemoteTimeout = 30 * time.Second
	listPageSize         = 200
)

// RemoteClient talks to a PocketBase-style records API.
type RemoteClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type RemoteOption func(*RemoteClient)

func WithToken(token string) RemoteOption {
	return func(c *RemoteClient) { c.token = token }
}

func WithTimeout(timeout time.Duration) RemoteOption {
	return func(c *RemoteClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) RemoteOption {
	return func(c *RemoteClient) { c.httpClient = client }
}

// NewRemoteClient creates a client for the API rooted at baseURL.
func NewRemoteClient(baseURL string, opts ...RemoteOption) *RemoteClient {
	c := &RemoteClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultRemoteTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *RemoteClient) SetToken(token string) {
	c.token = token
}

func (c *RemoteClient) BaseURL() string { return c.baseURL }

func (c *RemoteClient) HTTPClient() *http.Client { return c.httpClient }

// Create inserts a record into collection.
func (c *RemoteClient) Create(ctx context.Context, collection string, data map[string]any) (Record, error) {
	body, err := c.doRequest(ctx, http.MethodPost, recordsPath(collection), data, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(body)
}

// Update patches record id of collection.
func (c *RemoteClient) Update(ctx context.Context, collection, id string, data map[string]any) (Record, error) {
	body, err := c.doRequest(ctx, http.MethodPatch, recordsPath(collection)+"/"+url.PathEscape(id), data, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(body)
}

type recordPage struct {
	Page       int      `json:"page"`
	PerPage    int      `json:"perPage"`
	TotalItems int      `json:"totalItems"`
	TotalPages int      `json:"totalPages"`
	Items      []Record `json:"items"`
}

// List returns every record of collection matching filter, following pagination.
func (c *RemoteClient) List(ctx context.Context, collection, filter string) ([]Record, error) {
	var all []Record
	for page := 1; ; page++ {
		query := map[string]string{
			"page":    strconv.Itoa(page),
			"perPage": strconv.Itoa(listPageSize),
		}
		if filter != "" {
			query["filter"] = filter
		}
		body, err := c.doRequest(ctx, http.MethodGet, recordsPath(collection), nil, query)
		if err != nil {
			return nil, err
		}
		result, err := decodeJSON[recordPage](body)
		if err != nil {
			return nil, err
		}
		all = append(all, result.Items...)
		if page >= result.TotalPages || len(result.Items) == 0 {
			return all, nil
		}
	}
}

// Probe checks the health endpoint. It makes RemoteClient a Prober.
func (c *RemoteClient) Probe(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}

// ============================================================================
// Internal request helper
// ============================================================================

func recordsPath(collection string) string {
	return "/api/collections/" + url.PathEscape(collection) + "/records"
}

func (c *RemoteClient) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Code: http.StatusText(status)}
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		apiErr.Message = payload.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeRecord(data []byte) (Record, error) {
	rec, err := decodeJSON[Record](data)
	if err != nil {
		return nil, err
	}
	return *rec, nil
}
