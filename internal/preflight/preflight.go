// Package preflight checks that the screening backend is reachable before a session starts.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"murmurscreen/internal/client"
	"murmurscreen/internal/contract"
)

// Outcome classifies a preflight result.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeUnhealthy  Outcome = "unhealthy"
	OutcomeHTTPStatus Outcome = "http_status"
	OutcomeTransport  Outcome = "transport_error"
	OutcomeTimeout    Outcome = "timeout"
)

const defaultCheckWindow = 5 * time.Second

// Report is the result of one connectivity check.
type Report struct {
	URL     string        `json:"url"`
	Outcome Outcome       `json:"outcome"`
	Status  int           `json:"status,omitempty"`
	Latency time.Duration `json:"latency_ns"`
	Detail  string        `json:"detail,omitempty"`
	Hint    string        `json:"hint,omitempty"`
}

func (r Report) OK() bool { return r.Outcome == OutcomeOK }

// Check GETs /api/health on baseURL. Failures are reported, never returned.
func Check(ctx context.Context, baseURL string, timeout time.Duration, opts ...client.Option) Report {
	if timeout <= 0 {
		timeout = defaultCheckWindow
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sc := client.NewScreening(baseURL, append(opts, client.WithTimeout(timeout))...)
	rep := Report{URL: sc.BaseURL() + "/api/health"}
	start := time.Now()
	health, err := sc.Health(ctx)
	rep.Latency = time.Since(start)

	var apiErr *contract.APIError
	switch {
	case err == nil && health.Healthy():
		rep.Outcome = OutcomeOK
	case err == nil:
		rep.Outcome = OutcomeUnhealthy
		rep.Detail = "backend answered but reported ok=false"
		rep.Hint = "check the backend logs; the model artifacts may still be loading"
	case errors.As(err, &apiErr):
		rep.Outcome = OutcomeHTTPStatus
		rep.Status = apiErr.Status
		rep.Detail = apiErr.Error()
		rep.Hint = statusHint(apiErr.Status)
	case isTimeout(err):
		rep.Outcome = OutcomeTimeout
		rep.Detail = err.Error()
		rep.Hint = fmt.Sprintf("no answer within %s; the backend may be starting or overloaded, retry or raise --timeout", timeout)
	default:
		rep.Outcome = OutcomeTransport
		rep.Detail = err.Error()
		rep.Hint = transportHint(err)
	}
	return rep
}

func statusHint(status int) string {
	switch {
	case status == 404:
		return "the URL answers but has no /api/health route; point --api-url at the backend root, not the frontend"
	case status >= 500:
		return "the backend is up but failing; check its logs"
	default:
		return "unexpected status from the health route; verify --api-url"
	}
}

func transportHint(err error) string {
	msg := err.Error()
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return "the host name does not resolve; check --api-url"
	case strings.Contains(msg, "connection refused"):
		return "nothing is listening there; start the backend (uvicorn on port 8000 by default)"
	case strings.Contains(msg, "unsupported protocol"):
		return "the API URL needs an http:// or https:// scheme"
	default:
		return "the backend is unreachable; check --api-url and the network"
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Write prints the report in the form the CLI shows.
func (r Report) Write(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Backend: %s\n", r.URL)
	if r.OK() {
		fmt.Fprintf(&b, "Status:  reachable (%s)\n", r.Latency.Round(time.Millisecond))
	} else {
		fmt.Fprintf(&b, "Status:  %s\n", r.Outcome)
		if r.Detail != "" {
			fmt.Fprintf(&b, "Detail:  %s\n", r.Detail)
		}
		if r.Hint != "" {
			fmt.Fprintf(&b, "Hint:    %s\n", r.Hint)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
