package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const fileFields = "id,name,mimeType,parents,webViewLink,trashed"

// HTTPClient implements Client against the Drive v3 REST API. A mutex
// serializes all outbound calls: the pipeline treats Drive as a shared
// resource and the API punishes concurrent bursts with rate-limit errors.
type HTTPClient struct {
	baseURL     string
	accessToken string
	maxRetries  int
	client      *http.Client

	mu     sync.Mutex
	jitter func() float64
}

// NewHTTPClient creates a new Drive HTTP client.
func NewHTTPClient(baseURL, accessToken string, timeout time.Duration, maxRetries int) *HTTPClient {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &HTTPClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		maxRetries:  maxRetries,
		client:      &http.Client{Timeout: timeout},
		jitter:      rand.Float64,
	}
}

func (c *HTTPClient) StartPageToken(ctx context.Context) (string, error) {
	var out struct {
		StartPageToken string `json:"startPageToken"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/changes/startPageToken", nil, nil, &out)
	if err != nil {
		return "", err
	}
	return out.StartPageToken, nil
}

func (c *HTTPClient) Changes(ctx context.Context, pageToken string) (*ChangesPage, error) {
	params := url.Values{
		"pageToken": {pageToken},
		"fields":    {"nextPageToken,newStartPageToken,changes(fileId,removed,file(" + fileFields + "))"},
		"pageSize":  {"100"},
	}
	var page ChangesPage
	if err := c.doJSON(ctx, http.MethodGet, "/changes", params, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *HTTPClient) ListFolder(ctx context.Context, folderID string) ([]File, error) {
	params := url.Values{
		"q":        {fmt.Sprintf("'%s' in parents and trashed = false", folderID)},
		"fields":   {"files(" + fileFields + ")"},
		"pageSize": {"1000"},
	}
	var out struct {
		Files []File `json:"files"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/files", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

func (c *HTTPClient) GetFile(ctx context.Context, fileID string) (*File, error) {
	params := url.Values{"fields": {fileFields}}
	var f File
	if err := c.doJSON(ctx, http.MethodGet, "/files/"+url.PathEscape(fileID), params, nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *HTTPClient) Download(ctx context.Context, fileID string) ([]byte, error) {
	params := url.Values{"alt": {"media"}}
	var content []byte
	err := c.withRetry(ctx, func() error {
		resp, err := c.do(ctx, http.MethodGet, "/files/"+url.PathEscape(fileID), params, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return err
		}
		content, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading body: %v", ErrDriveRequest, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

func (c *HTTPClient) Move(ctx context.Context, fileID, fromFolderID, toFolderID string) error {
	params := url.Values{
		"addParents":    {toFolderID},
		"removeParents": {fromFolderID},
		"fields":        {"id,parents"},
	}
	var f File
	return c.doJSON(ctx, http.MethodPatch, "/files/"+url.PathEscape(fileID), params, map[string]any{}, &f)
}

func (c *HTTPClient) Watch(ctx context.Context, pageToken string, ch Channel, address, token string) (*Channel, error) {
	params := url.Values{"pageToken": {pageToken}}
	body := map[string]any{
		"id":      ch.ID,
		"type":    "web_hook",
		"address": address,
	}
	if token != "" {
		body["token"] = token
	}
	if ch.Expiration > 0 {
		body["expiration"] = strconv.FormatInt(ch.Expiration, 10)
	}
	var out Channel
	if err := c.doJSON(ctx, http.MethodPost, "/changes/watch", params, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) StopWatch(ctx context.Context, ch Channel) error {
	body := map[string]any{
		"id":         ch.ID,
		"resourceId": ch.ResourceID,
	}
	return c.withRetry(ctx, func() error {
		resp, err := c.do(ctx, http.MethodPost, "/channels/stop", nil, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return statusError(resp)
	})
}

// doJSON performs a request under the retry policy and decodes the JSON
// response into out.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, params url.Values, body any, out any) error {
	return c.withRetry(ctx, func() error {
		resp, err := c.do(ctx, method, path, params, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decoding response: %v", ErrDriveRequest, err)
		}
		return nil
	})
}

// do issues one HTTP request while holding the client mutex.
func (c *HTTPClient) do(ctx context.Context, method, path string, params url.Values, body any) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

// withRetry runs fn under the retry policy: transient failures get
// exponential backoff with jitter, permanent failures return immediately.
func (c *HTTPClient) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || attempt == c.maxRetries-1 {
			return err
		}
		select {
		case <-time.After(backoffDelay(attempt, c.jitter)):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrDriveTimeout, ctx.Err())
		}
	}
	return err
}

// statusError maps a non-2xx response to a sentinel error. The body is
// drained so the connection can be reused.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: status %d", ErrDriveAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrDriveQuota, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: status %d", ErrFileNotFound, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrDriveRequest, resp.StatusCode)
	}
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
