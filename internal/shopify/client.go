package shopify

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

	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
)

// ErrNotFound indicates the requested resource does not exist in the store.
var ErrNotFound = errors.New("shopify: resource not found")

// TransportError wraps request failures that are not a definitive 404, so
// callers can distinguish "order deleted" from "store unreachable".
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("shopify %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("shopify %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

const (
	defaultAPIVersion  = "2024-04"
	defaultMaxAttempts = 4
	defaultHTTPTimeout = 30 * time.Second

	// EditionMetafieldNamespace and EditionMetafieldKey locate the sequential
	// edition counter stored on store products.
	EditionMetafieldNamespace = "edition_numbering"
	EditionMetafieldKey       = "sequential_counter"
)

// Config carries the store admin API connection settings.
type Config struct {
	ShopDomain  string
	AccessToken string
	APIVersion  string
	MaxAttempts int
	HTTPClient  *http.Client
}

// Client talks to the store admin REST API.
type Client struct {
	baseURL     string
	accessToken string
	maxAttempts int
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewClient constructs a store API client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	domain := strings.TrimSpace(cfg.ShopDomain)
	if domain == "" {
		return nil, errors.New("shopify: shop domain is required")
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("shopify: access token is required")
	}
	version := strings.TrimSpace(cfg.APIVersion)
	if version == "" {
		version = defaultAPIVersion
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := domain
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return &Client{
		baseURL:     strings.TrimRight(base, "/") + "/admin/api/" + version,
		accessToken: strings.TrimSpace(cfg.AccessToken),
		maxAttempts: attempts,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// GetOrder fetches a single order by id. A 404 maps to ErrNotFound; every
// other failure surfaces as a TransportError.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, &TransportError{Op: "orders.get", Err: errors.New("order id is required")}
	}

	var envelope struct {
		Order json.RawMessage `json:"order"`
	}
	if err := c.do(ctx, "orders.get", http.MethodGet, "/orders/"+url.PathEscape(id)+".json", nil, nil, &envelope); err != nil {
		return Order{}, err
	}
	return decodeOrder("orders.get", envelope.Order)
}

// SearchOrderByName looks an order up by its display name, e.g. "#1001".
// Returns ErrNotFound when no order matches.
func (c *Client) SearchOrderByName(ctx context.Context, name string) (Order, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Order{}, &TransportError{Op: "orders.search", Err: errors.New("order name is required")}
	}

	query := url.Values{}
	query.Set("name", trimmed)
	query.Set("status", "any")

	var envelope struct {
		Orders []json.RawMessage `json:"orders"`
	}
	if err := c.do(ctx, "orders.search", http.MethodGet, "/orders.json", query, nil, &envelope); err != nil {
		return Order{}, err
	}
	if len(envelope.Orders) == 0 {
		return Order{}, ErrNotFound
	}
	return decodeOrder("orders.search", envelope.Orders[0])
}

// GetProductMetafield returns the product metafield for namespace and key,
// or ErrNotFound when the product carries no such metafield.
func (c *Client) GetProductMetafield(ctx context.Context, productID, namespace, key string) (Metafield, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return Metafield{}, &TransportError{Op: "metafields.get", Err: errors.New("product id is required")}
	}

	var envelope struct {
		Metafields []Metafield `json:"metafields"`
	}
	path := "/products/" + url.PathEscape(id) + "/metafields.json"
	if err := c.do(ctx, "metafields.get", http.MethodGet, path, nil, nil, &envelope); err != nil {
		return Metafield{}, err
	}
	for _, mf := range envelope.Metafields {
		if mf.Namespace == namespace && mf.Key == key {
			return mf, nil
		}
	}
	return Metafield{}, ErrNotFound
}

// UpsertProductMetafield writes the metafield value on the product, updating
// the existing metafield when one exists and creating it otherwise.
func (c *Client) UpsertProductMetafield(ctx context.Context, productID string, field Metafield) (Metafield, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return Metafield{}, &TransportError{Op: "metafields.upsert", Err: errors.New("product id is required")}
	}
	if field.Type == "" {
		field.Type = "number_integer"
	}

	existing, err := c.GetProductMetafield(ctx, id, field.Namespace, field.Key)
	switch {
	case err == nil:
		existing.Value = field.Value
		existing.Type = field.Type
		body := map[string]Metafield{"metafield": existing}
		var envelope struct {
			Metafield Metafield `json:"metafield"`
		}
		path := "/metafields/" + url.PathEscape(existing.ID.String()) + ".json"
		if err := c.do(ctx, "metafields.upsert", http.MethodPut, path, nil, body, &envelope); err != nil {
			return Metafield{}, err
		}
		return envelope.Metafield, nil
	case errors.Is(err, ErrNotFound):
		body := map[string]Metafield{"metafield": field}
		var envelope struct {
			Metafield Metafield `json:"metafield"`
		}
		path := "/products/" + url.PathEscape(id) + "/metafields.json"
		if err := c.do(ctx, "metafields.upsert", http.MethodPost, path, nil, body, &envelope); err != nil {
			return Metafield{}, err
		}
		return envelope.Metafield, nil
	default:
		return Metafield{}, err
	}
}

// UpdateLineItemProperties writes the given custom properties on one line
// item of the order. Matching property names are overwritten in place and the
// item's other properties are preserved, so repeated writes never duplicate a
// property. Returns ErrNotFound when the order lacks the line item.
func (c *Client) UpdateLineItemProperties(ctx context.Context, orderID, lineItemID string, props []LineItemProperty) error {
	order, err := c.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	var merged []LineItemProperty
	found := false
	for _, item := range order.LineItems {
		if item.ID.String() == strings.TrimSpace(lineItemID) {
			found = true
			merged = mergeProperties(item.Properties, props)
			break
		}
	}
	if !found {
		return ErrNotFound
	}

	body := map[string]any{
		"order": map[string]any{
			"id": order.ID.String(),
			"line_items": []map[string]any{
				{
					"id":         lineItemID,
					"properties": merged,
				},
			},
		},
	}
	path := "/orders/" + url.PathEscape(order.ID.String()) + ".json"
	return c.do(ctx, "orders.updateLineItem", http.MethodPut, path, nil, body, nil)
}

func mergeProperties(existing, updates []LineItemProperty) []LineItemProperty {
	merged := make([]LineItemProperty, len(existing))
	copy(merged, existing)
	for _, update := range updates {
		replaced := false
		for i := range merged {
			if strings.EqualFold(strings.TrimSpace(merged[i].Name), strings.TrimSpace(update.Name)) {
				merged[i].Value = update.Value
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, update)
		}
	}
	return merged
}

// do performs one API call with bounded retries on throttling, server errors
// and network failures.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		payload = encoded
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	backoff := gax.Backoff{
		Initial:    500 * time.Millisecond,
		Max:        8 * time.Second,
		Multiplier: 2,
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
				return &TransportError{Op: op, Err: err}
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return &TransportError{Op: op, Err: err}
		}
		req.Header.Set("X-Shopify-Access-Token", c.accessToken)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("store request failed",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		retry, done := c.handleResponse(op, resp, out, &lastErr)
		if done != nil {
			return done
		}
		if !retry {
			return nil
		}
		c.logger.Warn("store request retried",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("status", resp.StatusCode))
	}
	return &TransportError{Op: op, Err: fmt.Errorf("gave up after %d attempts: %w", c.maxAttempts, lastErr)}
}

// handleResponse consumes the body and classifies the status. It returns
// (retry, terminal): terminal is non-nil for hard failures, retry true for
// throttling and server errors.
func (c *Client) handleResponse(op string, resp *http.Response, out any, lastErr *error) (bool, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		*lastErr = err
		return true, nil
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		*lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(data))
		return true, nil
	case resp.StatusCode >= 400:
		return false, &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("request rejected: %s", truncateBody(data)),
		}
	}

	if out == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return false, nil
}

func decodeOrder(op string, raw json.RawMessage) (Order, error) {
	if len(raw) == 0 {
		return Order{}, ErrNotFound
	}
	var order Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return Order{}, &TransportError{Op: op, Err: fmt.Errorf("decode order: %w", err)}
	}
	var rawMap map[string]any
	if err := json.Unmarshal(raw, &rawMap); err == nil {
		order.Raw = rawMap
	}
	return order, nil
}

func truncateBody(data []byte) string {
	const limit = 256
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) > limit {
		return trimmed[:limit] + "..."
	}
	return trimmed
}
