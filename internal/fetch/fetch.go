// Package fetch implements the Fetcher: given an API Descriptor, a concrete
// parameter map, and a request id, it calls the upstream vendor and returns
// a storage.Page. Retries are restricted to transient categories and
// implemented with github.com/cenkalti/backoff/v4; each attempt acquires one
// token from the descriptor's rate bucket before issuing the request.
package fetch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ashare-etl/etl/internal/etlerr"
	"github.com/ashare-etl/etl/internal/ratelimit"
	"github.com/ashare-etl/etl/internal/storage"
)

// CursorKind names how an API Descriptor's parameter space is walked.
type CursorKind string

const (
	CursorByTradeDate       CursorKind = "trade-date"
	CursorByAnnouncementDate CursorKind = "announcement-date"
	CursorByEntityID        CursorKind = "entity-id"
)

// Descriptor is the static definition of one upstream endpoint.
type Descriptor struct {
	Name             string // logical name, unique
	Cursor           CursorKind
	RateBucket       string
	PageSize         int
	TargetTable      string
	PrimaryKey       []string
	ReadinessLagHours int
	Core             bool // false = "feature", lenient-allowed
	Path             string // URL path appended to the vendor base URL
}

// Params is the concrete parameter map for one fetch call (date or code).
type Params map[string]string

// Kind classifies a FetchError.
type Kind int

const (
	KindTransient Kind = iota
	KindFatal
)

func (k Kind) String() string {
	if k == KindTransient {
		return "Transient"
	}

	return "Fatal"
}

// ErrSchemaMismatch is returned (wrapped in FetchError) when the vendor
// response's column set does not match the descriptor's expectations.
// Non-transient: the Fetcher does not retry it.
var ErrSchemaMismatch = errors.New("fetch: upstream column schema mismatch")

// ErrAuthentication is returned (wrapped in FetchError) when the vendor
// rejects the request's credentials. Non-transient.
var ErrAuthentication = errors.New("fetch: upstream authentication rejected")

// ErrUpstreamServer is returned (wrapped, transient) for 5xx responses.
var ErrUpstreamServer = errors.New("fetch: upstream server error")

// ErrUpstreamThrottled is returned (wrapped, transient) for 429 responses.
var ErrUpstreamThrottled = errors.New("fetch: upstream rate-limit response")

// FetchError is returned when a fetch ultimately fails, whether because
// retries were exhausted (Kind == KindTransient) or a non-retryable category
// was hit on the first attempt (Kind == KindFatal).
type FetchError struct {
	Kind     Kind
	Attempts int
	Cause    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch: %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// Classify maps a FetchError to the shared error taxonomy. Non-FetchError
// inputs classify as etlerr.Unknown.
func Classify(err error) etlerr.Kind {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return etlerr.Unknown
	}

	if fe.Kind == KindTransient {
		return etlerr.TransientIO
	}

	if errors.Is(fe.Cause, ErrSchemaMismatch) {
		return etlerr.UpstreamSchema
	}

	return etlerr.Unknown
}

// RetryPolicy configures the Fetcher's backoff behavior.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	AttemptTimeout  time.Duration
}

// DefaultRetryPolicy mirrors a conservative vendor-friendly default: five
// attempts, exponential backoff from 500ms capped at 30s, bounded overall
// at two minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
		AttemptTimeout:  60 * time.Second,
	}
}

// Fetcher calls the upstream vendor for one API Descriptor at a time.
type Fetcher struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	baseURL    string
	token      string
	retry      RetryPolicy
}

// New constructs a Fetcher. token is the upstream.token vendor credential
// used to compute the HMAC-SHA256 request signature.
func New(httpClient *http.Client, limiter *ratelimit.Limiter, baseURL, token string, retry RetryPolicy) *Fetcher {
	return &Fetcher{
		httpClient: httpClient,
		limiter:    limiter,
		baseURL:    baseURL,
		token:      token,
		retry:      retry,
	}
}

// vendorResponse is the wire shape the core depends on: "name → column
// values, null-aware". Column name drift vs. the descriptor is a fatal
// schema error.
type vendorResponse struct {
	Columns map[string][]*json.Number `json:"columns"`
	Strings map[string][]*string      `json:"strings,omitempty"`
}

// Fetch calls the upstream vendor for descriptor d with params, identified
// by requestID for logging, and returns a storage.Page.
func (f *Fetcher) Fetch(ctx context.Context, d Descriptor, params Params, requestID string) (storage.Page, error) {
	var (
		page     storage.Page
		attempts int
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retry.InitialInterval
	b.MaxInterval = f.retry.MaxInterval
	b.MaxElapsedTime = f.retry.MaxElapsedTime

	bo := backoff.WithMaxRetries(b, uint64(f.retry.MaxAttempts-1))
	bo = backoff.WithContext(bo, ctx)

	operation := func() error {
		attempts++

		if err := f.limiter.Acquire(ctx, d.RateBucket, 1); err != nil {
			return backoff.Permanent(fmt.Errorf("fetch: acquire rate token: %w", err))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, f.retry.AttemptTimeout)
		defer cancel()

		p, err := f.doRequest(attemptCtx, d, params, requestID)
		if err == nil {
			page = p
			return nil
		}

		if errors.Is(err, ErrSchemaMismatch) || errors.Is(err, ErrAuthentication) {
			return backoff.Permanent(err)
		}

		return err
	}

	if err := backoff.Retry(operation, bo); err != nil {
		cause := err

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			cause = perm.Err
		}

		kind := KindTransient
		if errors.Is(cause, ErrSchemaMismatch) || errors.Is(cause, ErrAuthentication) {
			kind = KindFatal
		}

		return storage.Page{}, &FetchError{Kind: kind, Attempts: attempts, Cause: cause}
	}

	return page, nil
}

func (f *Fetcher) doRequest(ctx context.Context, d Descriptor, params Params, requestID string) (storage.Page, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return storage.Page{}, fmt.Errorf("%w: encode params: %v", ErrSchemaMismatch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+d.Path, bytes.NewReader(body))
	if err != nil {
		return storage.Page{}, fmt.Errorf("%w: build request: %v", ErrUpstreamServer, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	req.Header.Set("X-Signature", f.sign(body))

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return storage.Page{}, fmt.Errorf("%w: %v", ErrUpstreamServer, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.Page{}, fmt.Errorf("%w: read body: %v", ErrUpstreamServer, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return storage.Page{}, fmt.Errorf("%w: status %d", ErrAuthentication, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return storage.Page{}, fmt.Errorf("%w: status %d", ErrUpstreamThrottled, resp.StatusCode)
	case resp.StatusCode >= 500:
		return storage.Page{}, fmt.Errorf("%w: status %d", ErrUpstreamServer, resp.StatusCode)
	case resp.StatusCode >= 400:
		return storage.Page{}, fmt.Errorf("%w: status %d: %s", ErrSchemaMismatch, resp.StatusCode, raw)
	}

	var vr vendorResponse
	if err := json.Unmarshal(raw, &vr); err != nil {
		return storage.Page{}, fmt.Errorf("%w: decode body: %v", ErrSchemaMismatch, err)
	}

	return toPage(d, vr)
}

// sign computes the HMAC-SHA256 request signature from the upstream token,
// grounded on the teacher's dual-hash API key pattern: the secret never
// appears on the wire, only a keyed digest of the request body.
func (f *Fetcher) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(f.token))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

func toPage(d Descriptor, vr vendorResponse) (storage.Page, error) {
	var columns []storage.Column

	for name, values := range vr.Columns {
		col := storage.Column{Name: name}

		for _, v := range values {
			if v == nil {
				col.Values = append(col.Values, storage.CellValue{Null: true})
				continue
			}

			f, err := v.Float64()
			if err != nil {
				return storage.Page{}, fmt.Errorf("%w: column %q: %v", ErrSchemaMismatch, name, err)
			}

			col.Values = append(col.Values, storage.CellValue{Number: f})
		}

		columns = append(columns, col)
	}

	for name, values := range vr.Strings {
		col := storage.Column{Name: name}

		for _, v := range values {
			if v == nil {
				col.Values = append(col.Values, storage.CellValue{Null: true})
				continue
			}

			col.Values = append(col.Values, storage.CellValue{IsText: true, Text: *v})
		}

		columns = append(columns, col)
	}

	page, err := storage.NewPage(columns)
	if err != nil {
		return storage.Page{}, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}

	if err := validatePrimaryKey(d, page); err != nil {
		return storage.Page{}, err
	}

	return page, nil
}

func validatePrimaryKey(d Descriptor, page storage.Page) error {
	for _, pk := range d.PrimaryKey {
		if _, ok := page.Column(pk); !ok {
			return fmt.Errorf("%w: missing primary-key column %q for %s", ErrSchemaMismatch, pk, d.Name)
		}
	}

	return nil
}
