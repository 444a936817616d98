// Package client is a Go client for the report HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/export"
	"github.com/ignite/adreport/internal/pkg/httpretry"
)

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.Status, e.Message)
}

// Client talks to one report API server.
type Client struct {
	base         string
	http         httpretry.HTTPDoer
	advertiserID int64
}

// New creates a client for baseURL. GETs are retried on transient
// failures; submissions are not.
func New(baseURL string, doer httpretry.HTTPDoer) *Client {
	if doer == nil {
		doer = httpretry.NewRetryClient(nil, httpretry.Options{})
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: doer}
}

// WithAdvertiser scopes every request to an advertiser.
func (c *Client) WithAdvertiser(id int64) *Client {
	c.advertiserID = id
	return c
}

// Submit creates a report job.
func (c *Client) Submit(ctx context.Context, spec domain.JobSpec) (*domain.JobDescriptor, error) {
	var out domain.JobDescriptor
	if err := c.do(ctx, http.MethodPost, "/api/reports", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns the status of a job.
func (c *Client) Get(ctx context.Context, id string) (*domain.JobDescriptor, error) {
	var out domain.JobDescriptor
	if err := c.do(ctx, http.MethodGet, "/api/reports/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Wait polls a job until it completes or fails.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*domain.JobDescriptor, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if d.Status.IsTerminal() {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download fetches a completed job's result in format.
func (c *Client) Download(ctx context.Context, id string, format export.Format) (*export.Result, error) {
	path := "/api/reports/" + url.PathEscape(id) + "/download?format=" + url.QueryEscape(string(format))
	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	res := &export.Result{Data: data, ContentType: resp.Header.Get("Content-Type"), Filename: export.DownloadName(id, format)}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		res.Filename = params["filename"]
	}
	return res, nil
}

// RegisterMetric registers a custom metric.
func (c *Client) RegisterMetric(ctx context.Context, def domain.CustomMetricDef) (*domain.CustomMetricDef, error) {
	var out domain.CustomMetricDef
	if err := c.do(ctx, http.MethodPost, "/api/custom-metrics", def, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// send issues the request and converts non-2xx responses into *APIError.
func (c *Client) send(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.advertiserID > 0 {
		req.Header.Set("X-Advertiser-ID", strconv.FormatInt(c.advertiserID, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{Status: resp.StatusCode}
	var env struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &env) == nil && env.Error != "" {
		apiErr.Message, apiErr.Code = env.Error, env.Code
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return nil, apiErr
}
