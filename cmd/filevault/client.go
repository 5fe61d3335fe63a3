package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/forlifetrading/filevault/pkg/proto"
)

// httpClient is shared by every client subcommand. Uploads and restores can
// take a while, so the timeout is generous.
var httpClient = &http.Client{Timeout: 5 * time.Minute}

// apiURL joins the server URL, path and optional query.
func apiURL(path string, query url.Values) string {
	u := strings.TrimSuffix(serverURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// makeRequest sends a request to the filevault API. A non-nil JSON body is
// encoded; an io.Reader body is sent as-is with contentType.
func makeRequest(method, path string, query url.Values, body interface{}, contentType string) (*http.Response, error) {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequest(method, apiURL(path, query), reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to filevault at %s: %w", serverURL, err)
	}
	return resp, nil
}

// apiError turns a failed response into an error, preferring the server's
// JSON message.
func apiError(action string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e proto.ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return fmt.Errorf("failed to %s: %s (%d)", action, e.Message, resp.StatusCode)
	}
	return fmt.Errorf("failed to %s: %s", action, strings.TrimSpace(string(body)))
}

// doJSON performs a request, checks the status and decodes the response
// into out when out is non-nil.
func doJSON(action, method, path string, query url.Values, body interface{}, want int, out interface{}) error {
	resp, err := makeRequest(method, path, query, body, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		return apiError(action, resp)
	}
	if out == nil {
		return nil
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return formatTime(*t)
}
