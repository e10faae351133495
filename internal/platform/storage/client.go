// Package storage issues signed Cloud Storage URLs for snapshot downloads
// and archives reconciliation artifacts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultSignedURLExpiry = 5 * time.Minute
	maxSignedURLExpiry     = 15 * time.Minute
)

var (
	errNoSigner         = errors.New("storage: signer is required")
	errInvalidBucket    = errors.New("storage: bucket name is required")
	errInvalidObject    = errors.New("storage: object name is required")
	errMethodNotAllowed = errors.New("storage: HTTP method not allowed")
	errExpiryTooLong    = errors.New("storage: expiry exceeds permitted maximum")
)

// Client generates signed download URLs backed by a Signer. Snapshots are
// written server-side, so only read access is ever exposed to callers.
type Client struct {
	signer Signer
	scheme storage.SigningScheme
	now    func() time.Time
}

// ClientOption customises client behaviour.
type ClientOption func(*Client)

// WithSigningScheme overrides the signing scheme (defaults to V4).
func WithSigningScheme(scheme storage.SigningScheme) ClientOption {
	return func(c *Client) {
		if scheme != 0 {
			c.scheme = scheme
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewClient constructs a new storage signed URL client.
func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}

	client := &Client{
		signer: signer,
		scheme: storage.SigningSchemeV4,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// DownloadOptions control download URL validation and response behaviour.
type DownloadOptions struct {
	Method       string
	ExpiresIn    time.Duration
	Disposition  string
	CacheControl string
	ResponseType string
	Query        map[string]string
}

// SignedURLResult describes the generated signed URL details.
type SignedURLResult struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// method normalises and checks the requested HTTP method. Only read
// methods are ever signed.
func (o DownloadOptions) method() (string, error) {
	m := strings.ToUpper(strings.TrimSpace(o.Method))
	switch m {
	case "":
		return http.MethodGet, nil
	case http.MethodGet, http.MethodHead:
		return m, nil
	default:
		return "", errMethodNotAllowed
	}
}

func (o DownloadOptions) expiry() (time.Duration, error) {
	switch {
	case o.ExpiresIn > maxSignedURLExpiry:
		return 0, errExpiryTooLong
	case o.ExpiresIn <= 0:
		return defaultSignedURLExpiry, nil
	default:
		return o.ExpiresIn, nil
	}
}

// responseOverrides maps the response shaping options onto the query
// parameters Cloud Storage understands. Explicit options win over the
// free-form Query map.
func (o DownloadOptions) responseOverrides() url.Values {
	values := url.Values{}
	for key, value := range o.Query {
		if value != "" {
			values.Set(key, value)
		}
	}
	if o.Disposition != "" {
		values.Set("response-content-disposition", o.Disposition)
	}
	if o.CacheControl != "" {
		values.Set("response-cache-control", o.CacheControl)
	}
	if o.ResponseType != "" {
		values.Set("response-content-type", o.ResponseType)
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

// DownloadURL creates a time-limited signed URL for reading the object.
func (c *Client) DownloadURL(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURLResult, error) {
	if c == nil {
		return SignedURLResult{}, errNoSigner
	}
	if ctx == nil {
		return SignedURLResult{}, errors.New("storage: context is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SignedURLResult{}, errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return SignedURLResult{}, errInvalidObject
	}

	method, err := opts.method()
	if err != nil {
		return SignedURLResult{}, err
	}
	expiry, err := opts.expiry()
	if err != nil {
		return SignedURLResult{}, err
	}
	expiresAt := c.now().Add(expiry)

	signedURL, err := storage.SignedURL(bucket, object, &storage.SignedURLOptions{
		GoogleAccessID: c.signer.Email(),
		Scheme:         c.scheme,
		Method:         method,
		Expires:        expiresAt,
		QueryParameters: opts.responseOverrides(),
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign download url: %w", err)
	}

	return SignedURLResult{
		URL:       signedURL,
		Method:    method,
		ExpiresAt: expiresAt,
	}, nil
}
