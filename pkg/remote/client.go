package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	cachesync "github.com/hyperengineering/entitycache/internal/sync"
	"github.com/hyperengineering/entitycache/pkg/entity"
)

// Record is a stored entity as returned by Fetch.
type Record = cachesync.EntityRecord

const defaultStoreID = "default"

// Client talks to one store of the entity service.
type Client struct {
	baseURL string
	apiKey  string
	storeID string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithStoreID selects the store. The default is "default".
func WithStoreID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.storeID = id
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		storeID: defaultStoreID,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ entity.Saver = (*Client)(nil)

// Ping checks connectivity to the service.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeProblem(resp)
	}
	return nil
}

// Submit sends a save bundle and translates the service's outcomes.
// Submit implements entity.Saver.
func (c *Client) Submit(ctx context.Context, bundle *entity.SaveBundle) (*entity.SaveResponse, error) {
	start := time.Now()

	req, err := toSaveRequest(bundle)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, c.storePath("/save"), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeProblem(resp)
	}

	var out cachesync.SaveResponse
	if err := decodeBody(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode save response: %w", err)
	}

	c.logger.Debug("save submitted",
		"component", "remote",
		"store_id", c.storeID,
		"save_id", bundle.SaveID,
		"entities", len(bundle.Entities),
		"replayed", resp.Header.Get("X-Idempotent-Replay") == "true",
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return fromSaveResponse(&out), nil
}

// Fetch returns the stored entities of typeName. With a key it returns at
// most that one entity; a missing entity is ErrNotFound.
func (c *Client) Fetch(ctx context.Context, typeName string, key entity.Key) ([]Record, error) {
	path := c.storePath("/entities/" + url.PathEscape(typeName))
	if len(key) > 0 {
		raw, err := json.Marshal(key)
		if err != nil {
			return nil, fmt.Errorf("encode key: %w", err)
		}
		path += "?key=" + url.QueryEscape(string(raw))
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeProblem(resp)
	}

	if len(key) > 0 {
		var rec Record
		if err := decodeBody(resp.Body, &rec); err != nil {
			return nil, fmt.Errorf("decode entity: %w", err)
		}
		return []Record{rec}, nil
	}
	var list cachesync.FetchResponse
	if err := decodeBody(resp.Body, &list); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	return list.Entities, nil
}

// FetchInto fetches every entity of typeName and merges it into m.
func (c *Client) FetchInto(ctx context.Context, m *entity.Manager, typeName string, strategy entity.MergeStrategy) ([]*entity.Entity, error) {
	records, err := c.Fetch(ctx, typeName, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Entity, 0, len(records))
	for _, rec := range records {
		e, err := m.Materialize(typeName, rec.Fields, strategy)
		if err != nil {
			return out, fmt.Errorf("materialize %s%v: %w", typeName, rec.Key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *Client) storePath(suffix string) string {
	return "/api/v1/stores/" + url.PathEscape(c.storeID) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// decodeProblem turns a non-2xx response into a *ServiceError, falling back
// to the status line when the body is not a problem document.
func decodeProblem(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	problem := &ServiceError{}
	if err := json.Unmarshal(data, problem); err != nil || problem.Title == "" {
		problem = &ServiceError{Title: http.StatusText(resp.StatusCode), Detail: strings.TrimSpace(string(data))}
	}
	problem.StatusCode = resp.StatusCode
	return problem
}

// decodeBody decodes a response body with numbers kept as json.Number.
func decodeBody(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}
