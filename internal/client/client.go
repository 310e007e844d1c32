// Package client talks to the screening and run backends over HTTP/JSON.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"murmurscreen/internal/contract"
)

// RequestIDHeader correlates a client call with backend logs.
const RequestIDHeader = "X-Request-ID"

const (
	defaultTimeout   = 60 * time.Second
	defaultUserAgent = "murmurscreen/1"
	maxErrorBody     = 64 << 10
)

// Client is the transport shared by Screening and Runs.
type Client struct {
	baseURL   string
	httpc     *http.Client
	log       *zap.Logger
	strict    bool
	userAgent string
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpc = h } }
func WithLogger(l *zap.Logger) Option      { return func(c *Client) { c.log = l } }
func WithUserAgent(ua string) Option       { return func(c *Client) { c.userAgent = ua } }

// WithTimeout sets the per-request timeout. A client passed to WithHTTPClient is
// copied, not modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			cp := *c.httpc
			cp.Timeout = d
			c.httpc = &cp
		}
	}
}

// WithStrictContract turns response invariant violations into errors instead of warnings.
func WithStrictContract(strict bool) Option { return func(c *Client) { c.strict = strict } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpc:     &http.Client{Timeout: defaultTimeout},
		log:       zap.NewNop(),
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

type payload struct {
	body        io.Reader
	contentType string
}

func jsonPayload(v any) (*payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return &payload{body: bytes.NewReader(b), contentType: "application/json"}, nil
}

// do issues a request and returns the body of a 2xx response. Other statuses
// become *contract.APIError.
func (c *Client) do(ctx context.Context, method, path string, p *payload) ([]byte, error) {
	var body io.Reader
	if p != nil {
		body = p.body
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if p != nil {
		req.Header.Set("Content-Type", p.contentType)
	}
	reqID := uuid.NewString()
	req.Header.Set(RequestIDHeader, reqID)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug("backend call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("x_request_id", reqID),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, contract.DecodeError(resp.StatusCode, raw)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	return raw, nil
}

func (c *Client) getJSON(ctx context.Context, method, path string, p *payload, out any) error {
	raw, err := c.do(ctx, method, path, p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

type validator interface {
	Validate() error
}

// check applies the contract invariants: an error in strict mode, a warning otherwise.
func (c *Client) check(v validator) error {
	err := v.Validate()
	if err == nil {
		return nil
	}
	if c.strict {
		return err
	}
	var verr *contract.ViolationError
	if errors.As(err, &verr) {
		c.log.Warn("response violates contract", zap.String("subject", verr.Subject), zap.Strings("violations", verr.Violations))
		return nil
	}
	return err
}

// Upload is a file to be sent as a multipart "file" part.
type Upload struct {
	Path     string
	Reader   io.Reader
	Filename string
}

func (u Upload) name() string {
	if u.Filename != "" {
		return u.Filename
	}
	return filepath.Base(u.Path)
}

func (u Upload) open() (io.ReadCloser, error) {
	if u.Reader != nil {
		return io.NopCloser(u.Reader), nil
	}
	if u.Path == "" {
		return nil, errors.New("upload needs a path or a reader")
	}
	return os.Open(u.Path)
}

// multipartPayload buffers the form in memory; uploads are capped at 20 MB by wavcheck.
func multipartPayload(u Upload, fields [][2]string) (*payload, error) {
	src, err := u.open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", u.name())
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, src); err != nil {
		return nil, fmt.Errorf("copy upload: %w", err)
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return &payload{body: &buf, contentType: mw.FormDataContentType()}, nil
}
