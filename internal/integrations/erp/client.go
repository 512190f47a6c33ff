package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"writeoff-bot/internal/domain"
)

const (
	defaultTimeout  = 15 * time.Second
	productsTimeout = 30 * time.Second

	// maxAuthRetries bounds the re-authenticate-and-retry loop on 401/403.
	maxAuthRetries = 2
)

// HTTPStatusError captures non-2xx backend responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("erp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type documentResponse struct {
	Result   string `json:"result"`
	Response struct {
		ID             string `json:"id"`
		DocumentNumber string `json:"documentNumber"`
	} `json:"response"`
	Errors []string `json:"errors"`
}

// Client is the session-keyed REST client for the ERP backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    *Session

	now func() time.Time
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates an ERP client over the given session manager.
func NewClient(baseURL string, session *Session, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("erp: base URL must not be empty")
	}
	if session == nil {
		return nil, errors.New("erp: session must not be nil")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		session:    session,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// makeRequest performs a session-keyed call. On 401/403 the session is
// invalidated, re-authenticated and the call retried, at most
// maxAuthRetries times. No backoff: the only built-in retry is this auth
// recovery.
func (c *Client) makeRequest(ctx context.Context, method, path string, params url.Values, body any, timeout time.Duration) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxAuthRetries; attempt++ {
		key, err := c.session.EnsureValid(ctx)
		if err != nil {
			return nil, err
		}

		raw, err := c.doOnce(ctx, method, path, params, key, body, timeout)
		if err == nil {
			return raw, nil
		}

		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
			c.session.Invalidate()
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("erp: session retry limit reached: %w", lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, key string, body any, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("key", key)
	reqURL := c.baseURL + path + "?" + q.Encode()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("erp: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("erp: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("erp: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        c.baseURL + path,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("erp: read response body: %w", err)
	}
	return buf, nil
}

// GetStores loads the store list. The payload may be a bare list, a single
// object, or wrapped in corporateItemDto; it is normalized here so callers
// never see the runtime shape.
func (c *Client) GetStores(ctx context.Context) ([]domain.CatalogEntry, error) {
	raw, err := c.makeRequest(ctx, http.MethodGet, "/api/corporation/stores", nil, nil, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("erp: get stores: %w", err)
	}
	entries, err := decodeEntries(raw, "corporateItemDto")
	if err != nil {
		return nil, fmt.Errorf("erp: decode stores: %w", err)
	}
	return entries, nil
}

// GetExpenseAccounts loads the expense account list. Accounts are optional:
// the primary endpoint is tried first, then a legacy fallback, and any
// failure yields an empty list rather than an error.
func (c *Client) GetExpenseAccounts(ctx context.Context) []domain.CatalogEntry {
	params := url.Values{}
	params.Set("rootType", "Account")
	raw, err := c.makeRequest(ctx, http.MethodGet, "/api/v2/entities/list", params, nil, defaultTimeout)
	if err == nil {
		if entries, decErr := decodeEntries(raw, ""); decErr == nil {
			return entries
		}
	}

	raw, err = c.makeRequest(ctx, http.MethodGet, "/api/account/getAccountingCategories", nil, nil, defaultTimeout)
	if err != nil {
		return nil
	}
	entries, err := decodeEntries(raw, "accountingCategoryDto")
	if err != nil {
		return nil
	}
	return entries
}

// GetProducts loads the product catalog. The largest reference collection,
// hence the longer timeout.
func (c *Client) GetProducts(ctx context.Context) ([]domain.CatalogEntry, error) {
	raw, err := c.makeRequest(ctx, http.MethodGet, "/api/products", nil, nil, productsTimeout)
	if err != nil {
		return nil, fmt.Errorf("erp: get products: %w", err)
	}
	entries, err := decodeEntries(raw, "productDto")
	if err != nil {
		return nil, fmt.Errorf("erp: decode products: %w", err)
	}
	return entries, nil
}

// CreateWriteoff posts a writeoff document. A transport or decode failure
// returns an error; a structured backend rejection returns a result with
// Success=false and no error.
func (c *Client) CreateWriteoff(ctx context.Context, req domain.DocumentRequest) (domain.DocumentResult, error) {
	body := map[string]any{
		"dateIncoming": c.now().Format("2006-01-02T15:04"),
		"status":       "NEW",
		"storeId":      req.StoreID,
		"comment":      req.Comment,
		"items":        req.Items,
	}
	if req.AccountID != "" {
		body["accountId"] = req.AccountID
	}
	return c.postDocument(ctx, "/api/v2/documents/writeoff", body)
}

// CreateTransfer posts an inter-store transfer document.
func (c *Client) CreateTransfer(ctx context.Context, req domain.DocumentRequest) (domain.DocumentResult, error) {
	body := map[string]any{
		"dateIncoming": c.now().Format("2006-01-02T15:04"),
		"status":       "NEW",
		"storeFromId":  req.StoreFromID,
		"storeToId":    req.StoreToID,
		"comment":      req.Comment,
		"items":        req.Items,
	}
	return c.postDocument(ctx, "/api/v2/documents/transfer", body)
}

// ProcessWriteoff re-posts an existing writeoff with status PROCESSED.
func (c *Client) ProcessWriteoff(ctx context.Context, docID string) (domain.DocumentResult, error) {
	params := url.Values{}
	params.Set("id", docID)
	raw, err := c.makeRequest(ctx, http.MethodGet, "/api/v2/documents/writeoff/byId", params, nil, defaultTimeout)
	if err != nil {
		return domain.DocumentResult{}, fmt.Errorf("erp: get writeoff by id: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.DocumentResult{}, fmt.Errorf("erp: decode writeoff document: %w", err)
	}
	doc["id"] = docID
	doc["status"] = "PROCESSED"
	return c.postDocument(ctx, "/api/v2/documents/writeoff", doc)
}

func (c *Client) postDocument(ctx context.Context, path string, body any) (domain.DocumentResult, error) {
	raw, err := c.makeRequest(ctx, http.MethodPost, path, nil, body, defaultTimeout)
	if err != nil {
		return domain.DocumentResult{}, err
	}

	var payload documentResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.DocumentResult{}, fmt.Errorf("erp: decode document response: %w", err)
	}
	return domain.DocumentResult{
		Success:   payload.Result == "SUCCESS",
		DocID:     payload.Response.ID,
		DocNumber: payload.Response.DocumentNumber,
		Errors:    payload.Errors,
	}, nil
}

type entryPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Code     string `json:"code"`
	Num      string `json:"num"`
	MainUnit string `json:"mainUnit"`
}

// decodeEntries normalizes the backend's list-or-single-object responses
// into an ordered slice. A non-empty wrapper key is tried first; a bare
// object decodes as a one-element list.
func decodeEntries(raw []byte, wrapper string) ([]domain.CatalogEntry, error) {
	items, err := normalizeList(raw, wrapper)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.CatalogEntry, 0, len(items))
	for _, item := range items {
		var p entryPayload
		if err := json.Unmarshal(item, &p); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, domain.CatalogEntry{
			ID:   p.ID,
			Name: p.Name,
			Code: p.Code,
			Num:  p.Num,
			Unit: p.MainUnit,
		})
	}
	return entries, nil
}

func normalizeList(raw []byte, wrapper string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(trimmed, &list); err == nil {
		return list, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("response is neither list nor object: %w", err)
	}
	if wrapper != "" {
		if inner, ok := obj[wrapper]; ok {
			return normalizeList(inner, "")
		}
	}
	return []json.RawMessage{trimmed}, nil
}
