package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"time"
)

// maxErrBodyBytes bounds how much of an error response body is kept for the
// log.
const maxErrBodyBytes = 2048

// Client talks to the case-file upload endpoint. One attempt per call; the
// uploader schedules retries.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	logger     *slog.Logger
}

// NewClient creates an endpoint client. timeout bounds each individual
// attempt; pass the configured upload_timeout_seconds.
func NewClient(endpoint, apiKey string, timeout time.Duration, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		// Transfers are bounded per-attempt by the context deadline below,
		// not by a client-wide timeout.
		httpClient: &http.Client{Timeout: 0},
		timeout:    timeout,
		userAgent:  userAgent,
		logger:     logger,
	}
}

// Upload POSTs one file as multipart/form-data: a "file" part streamed from
// body (filename = basename of relPath) and a "relative_path" text field.
// relPath must already be a validated forward-slash RelativePath. Success is
// any 2xx; the response body is not interpreted beyond the status code.
func (c *Client) Upload(ctx context.Context, relPath string, body io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Stream the multipart body through a pipe so the file is never held in
	// memory in full.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMultipart(mw, relPath, body))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, pr)
	if err != nil {
		return fmt.Errorf("api: creating upload request: %w", err)
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return err
	}

	return c.checkStatus(resp, "POST", relPath, nil)
}

// writeMultipart writes the two body parts and the closing boundary.
func writeMultipart(mw *multipart.Writer, relPath string, body io.Reader) error {
	part, err := mw.CreateFormFile("file", path.Base(relPath))
	if err != nil {
		return fmt.Errorf("api: creating file part: %w", err)
	}

	if _, err := io.Copy(part, body); err != nil {
		return fmt.Errorf("api: streaming file part: %w", err)
	}

	if err := mw.WriteField("relative_path", relPath); err != nil {
		return fmt.Errorf("api: writing relative_path field: %w", err)
	}

	return mw.Close()
}

// Delete issues DELETE <endpoint>?relative_path=<path>. A 404 counts as
// success — the file is already absent server-side.
func (c *Client) Delete(ctx context.Context, relPath string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("api: parsing endpoint: %w", err)
	}

	q := u.Query()
	q.Set("relative_path", relPath)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return fmt.Errorf("api: creating delete request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}

	return c.checkStatus(resp, "DELETE", relPath, map[int]bool{http.StatusNotFound: true})
}

// do executes a single authenticated attempt. Network-level failures are
// wrapped in ErrNetwork so the uploader classifies them as transient.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug("sending request",
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			// A deadline counts as a transient network failure; a parent
			// cancellation (shutdown) propagates as-is.
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s timed out: %v", ErrNetwork, req.Method, err)
			}

			return nil, fmt.Errorf("api: request canceled: %w", ctxErr)
		}

		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	return resp, nil
}

// checkStatus drains and closes the response body, classifying non-success
// statuses. okStatuses lists non-2xx codes the caller treats as success.
func (c *Client) checkStatus(resp *http.Response, method, relPath string, okStatuses map[int]bool) error {
	defer resp.Body.Close()

	sentinel := classifyStatus(resp.StatusCode)
	if sentinel == nil || okStatuses[resp.StatusCode] {
		// Drain so the connection is reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrBodyBytes))

		c.logger.Debug("request succeeded",
			"method", method,
			"relative_path", relPath,
			"status", resp.StatusCode,
		)

		return nil
	}

	errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyBytes))
	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	return &StatusError{
		StatusCode: resp.StatusCode,
		Message:    string(errBody),
		Err:        sentinel,
	}
}
