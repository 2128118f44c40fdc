package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// maxBodyBytes bounds how much of a hub response is read.
	maxBodyBytes = 16 << 20
	// Retry-After values beyond this are treated as this. The retrier
	// applies its own, usually lower, cap.
	maxRetryAfter = time.Hour
)

// RESTConfig configures the REST client.
type RESTConfig struct {
	BaseURL   string
	Token     string
	VerifyTLS bool
	// Optional; overrides the transport built from VerifyTLS.
	HTTPClient *http.Client
}

// REST talks to the hub's HTTP API with a bearer token.
type REST struct {
	baseURL string
	token   string
	client  *http.Client
	maxBody int64
}

// NewREST creates a REST client. Timeouts come from the caller's context.
func NewREST(cfg RESTConfig) *REST {
	client := cfg.HTTPClient
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = TLSConfig(cfg.VerifyTLS)
		client = &http.Client{Transport: tr}
	}
	return &REST{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		maxBody: maxBodyBytes,
	}
}

// TLSConfig returns the client TLS settings. With verify off the handshake
// still happens but the certificate chain is not checked.
func TLSConfig(verify bool) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !verify, //nolint:gosec // opt-in for self-signed hubs on a trusted LAN
	}
}

// Execute performs one HTTP request.
func (c *REST) Execute(ctx context.Context, req Request) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return Response{}, permanent(ChannelREST, fmt.Errorf("encode request body: %w", err))
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+req.Path, body)
	if err != nil {
		return Response{}, permanent(ChannelREST, fmt.Errorf("invalid request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, classifyHTTPError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return Response{}, transient(ChannelREST, fmt.Errorf("read response: %w", err))
	}

	if f := statusFailure(resp, data, req.Path); f != nil {
		return Response{}, f
	}
	if int64(len(data)) > c.maxBody {
		return Response{}, &Failure{Kind: Permanent, Channel: ChannelREST, Status: resp.StatusCode,
			Err: fmt.Errorf("response too large from %s: over %d bytes", req.Path, c.maxBody)}
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") && len(bytes.TrimSpace(data)) > 0 && !json.Valid(data) {
		return Response{}, permanent(ChannelREST, fmt.Errorf("malformed JSON response from %s", req.Path))
	}

	return Response{
		Status:      resp.StatusCode,
		ContentType: contentType,
		Body:        data,
	}, nil
}

func classifyHTTPError(ctx context.Context, err error) *Failure {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return permanent(ChannelREST, fmt.Errorf("TLS verification failed (set HA_VERIFY_TLS=false for self-signed certificates): %w", err))
	}
	if ctx.Err() != nil {
		return transient(ChannelREST, fmt.Errorf("request timeout: %w", ctx.Err()))
	}
	return transient(ChannelREST, err)
}

func statusFailure(resp *http.Response, body []byte, path string) *Failure {
	code := resp.StatusCode
	switch {
	case code < 400:
		return nil
	case code == http.StatusUnauthorized:
		return &Failure{Kind: Permanent, Channel: ChannelREST, Status: code,
			Err: errors.New("authentication failed - check HA_TOKEN")}
	case code == http.StatusForbidden:
		return &Failure{Kind: Permanent, Channel: ChannelREST, Status: code,
			Err: errors.New("access forbidden - token may lack required permissions")}
	case code == http.StatusNotFound:
		return &Failure{Kind: Permanent, Channel: ChannelREST, Status: code,
			Err: fmt.Errorf("resource not found: %s", path)}
	case code == http.StatusTooManyRequests:
		return &Failure{Kind: Transient, Channel: ChannelREST, Status: code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        errors.New("rate limited by hub")}
	case code >= 500:
		return &Failure{Kind: Transient, Channel: ChannelREST, Status: code,
			Err: fmt.Errorf("hub error: %s", snippet(body))}
	default:
		return &Failure{Kind: Permanent, Channel: ChannelREST, Status: code,
			Err: fmt.Errorf("API error %d: %s", code, snippet(body))}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		if secs > int(maxRetryAfter/time.Second) {
			return maxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return min(d, maxRetryAfter)
		}
	}
	return 0
}

func snippet(body []byte) string {
	return Truncate(strings.TrimSpace(string(body)), 200)
}
