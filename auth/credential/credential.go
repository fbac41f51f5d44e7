// Package credential obtains request headers from an external credential
// helper process, following the credential helper protocol used by Bazel:
// the helper is invoked as `<helper> get`, receives a JSON request with the
// uri on stdin, and answers with a JSON object containing the headers.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"time"
)

// Helper provides credentials (in the form of request headers) for a uri.
type Helper interface {
	Get(ctx context.Context, uri string) (headers map[string][]string, expires time.Time, err error)
}

// New returns a Helper backed by the external helper process at the given path.
func New(helperPath string) Helper {
	return &processHelper{path: helperPath}
}

// NopHelper returns a Helper that never provides credentials.
func NopHelper() Helper {
	return nopHelper{}
}

type processHelper struct {
	path string
}

type getCredentialsRequest struct {
	URI string `json:"uri"`
}

type getCredentialsResponse struct {
	Headers map[string][]string `json:"headers,omitempty"`
	Expires string              `json:"expires,omitempty"`
}

func (h *processHelper) Get(ctx context.Context, uri string) (map[string][]string, time.Time, error) {
	request, err := json.Marshal(getCredentialsRequest{URI: uri})
	if err != nil {
		return nil, time.Time{}, err
	}

	cmd := exec.CommandContext(ctx, h.path, "get")
	cmd.Stdin = bytes.NewReader(request)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, time.Time{}, fmt.Errorf("credential helper %s: %w (stderr: %s)", h.path, err, stderr.String())
	}

	var response getCredentialsResponse
	if err := json.Unmarshal(stdout.Bytes(), &response); err != nil {
		return nil, time.Time{}, fmt.Errorf("credential helper %s: decoding response: %w", h.path, err)
	}

	var expires time.Time
	if response.Expires != "" {
		expires, err = time.Parse(time.RFC3339, response.Expires)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("credential helper %s: parsing expiry: %w", h.path, err)
		}
	}
	return response.Headers, expires, nil
}

type nopHelper struct{}

func (nopHelper) Get(ctx context.Context, uri string) (map[string][]string, time.Time, error) {
	return nil, time.Time{}, nil
}

// RoundTripper wraps the default HTTP transport and injects headers obtained
// from the helper into every outgoing request.
func RoundTripper(helper Helper) http.RoundTripper {
	return &authenticatingRoundTripper{
		helper: helper,
		next:   http.DefaultTransport,
	}
}

type authenticatingRoundTripper struct {
	helper Helper
	next   http.RoundTripper
}

func (rt *authenticatingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	headers, _, err := rt.helper.Get(req.Context(), req.URL.String())
	if err != nil {
		return nil, fmt.Errorf("getting credentials for %s: %w", req.URL, err)
	}
	if len(headers) == 0 {
		return rt.next.RoundTrip(req)
	}
	// RoundTrippers must not modify the original request.
	authenticated := req.Clone(req.Context())
	for name, values := range headers {
		for _, value := range values {
			authenticated.Header.Add(name, value)
		}
	}
	return rt.next.RoundTrip(authenticated)
}
