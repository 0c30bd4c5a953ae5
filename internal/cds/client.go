package cds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultURL is the Climate Data Store API root.
const DefaultURL = "https://cds.climate.copernicus.eu/api"

// Request holds the inputs of a retrieve request, e.g. "variable", "year".
type Request map[string]any

// Client is a Climate Data Store client capable of submitting retrieve jobs,
// waiting for them and downloading their results.
type Client struct {
	logger     *slog.Logger
	httpCli    *http.Client
	baseURL    string
	key        string
	newBackOff func() backoff.BackOff
}

const keyRE = "^[a-zA-Z0-9:-]+$"

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client built by NewClient.
func WithHTTPClient(c *http.Client) Option {
	return func(cli *Client) {
		cli.httpCli = c
	}
}

// WithBackOff sets the policy used for retries and job polling.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(cli *Client) {
		cli.newBackOff = f
	}
}

// NewClient creates a new CDS client. maxConns bounds the connections kept
// open to the archive and is usually the number of download workers.
func NewClient(logger *slog.Logger, baseURL, key string, maxConns int, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported CDS URL %q", baseURL)
	}

	matches, err := regexp.MatchString(keyRE, key)
	if err != nil {
		return nil, err
	}
	if !matches {
		return nil, fmt.Errorf("CDS API key does not match %q regular expression", keyRE)
	}
	if maxConns < 1 {
		maxConns = 1
	}

	c := &Client{
		logger: logger,
		httpCli: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        maxConns,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: maxConns,
				MaxConnsPerHost:     maxConns,
			},
		},
		baseURL:    strings.TrimSuffix(u.String(), "/"),
		key:        key,
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// defaultBackOff polls forever; jobs can sit in the archive queue for hours.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return b
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpCli.CloseIdleConnections()
}

type statusInfo struct {
	JobID   string `json:"jobID"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type results struct {
	Asset struct {
		Value struct {
			Href string `json:"href"`
			Size int64  `json:"file:size"`
		} `json:"value"`
	} `json:"asset"`
}

// Job states reported by the archive.
const (
	statusAccepted   = "accepted"
	statusRunning    = "running"
	statusSuccessful = "successful"
	statusFailed     = "failed"
	statusRejected   = "rejected"
	statusDismissed  = "dismissed"
)

var errPending = errors.New("job pending")

// Retrieve submits a request for dataset, waits until the archive has
// produced the file and copies it into dst.
func (c *Client) Retrieve(ctx context.Context, dataset string, req Request, dst io.Writer) error {
	job, err := c.submit(ctx, dataset, req)
	if err != nil {
		return fmt.Errorf("submit %s: %w", dataset, err)
	}
	c.logger.Debug("job submitted", "dataset", dataset, "job", job.JobID, "status", job.Status)

	if err := c.wait(ctx, job.JobID); err != nil {
		return fmt.Errorf("job %s: %w", job.JobID, err)
	}

	var res results
	if err := c.retry(ctx, func() error {
		return c.getJSON(ctx, c.baseURL+"/retrieve/v1/jobs/"+url.PathEscape(job.JobID)+"/results", &res)
	}); err != nil {
		return fmt.Errorf("job %s results: %w", job.JobID, err)
	}
	if res.Asset.Value.Href == "" {
		return fmt.Errorf("job %s: results have no download location", job.JobID)
	}
	if err := c.download(ctx, res.Asset.Value.Href, res.Asset.Value.Size, dst); err != nil {
		return fmt.Errorf("job %s download: %w", job.JobID, err)
	}
	return nil
}

func (c *Client) submit(ctx context.Context, dataset string, req Request) (*statusInfo, error) {
	body, err := json.Marshal(map[string]any{"inputs": req})
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	endpoint := c.baseURL + "/retrieve/v1/processes/" + url.PathEscape(dataset) + "/execution"
	var job statusInfo
	err = c.retry(ctx, func() error {
		r, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Content-Type", "application/json")
		return c.do(r, &job)
	})
	if err != nil {
		return nil, err
	}
	if job.JobID == "" {
		return nil, fmt.Errorf("archive returned no job id")
	}
	return &job, nil
}

func (c *Client) wait(ctx context.Context, jobID string) error {
	endpoint := c.baseURL + "/retrieve/v1/jobs/" + url.PathEscape(jobID)
	return c.retry(ctx, func() error {
		var st statusInfo
		if err := c.getJSON(ctx, endpoint, &st); err != nil {
			return err
		}
		switch st.Status {
		case statusSuccessful:
			return nil
		case statusAccepted, statusRunning:
			return errPending
		case statusFailed, statusRejected, statusDismissed:
			return backoff.Permanent(fmt.Errorf("job %s: %s", st.Status, st.Message))
		}
		return backoff.Permanent(fmt.Errorf("unexpected job status %q", st.Status))
	})
}

func (c *Client) download(ctx context.Context, href string, size int64, dst io.Writer) error {
	u, err := url.Parse(href)
	if err != nil {
		return err
	}
	if !u.IsAbs() {
		base, _ := url.Parse(c.baseURL + "/")
		u = base.ResolveReference(u)
	}
	r, err := c.newRequest(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	if base, err := url.Parse(c.baseURL); err == nil && base.Host != u.Host {
		r.Header.Del("PRIVATE-TOKEN")
	}
	res, err := c.httpCli.Do(r)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return statusError(res)
	}
	n, err := io.Copy(dst, res.Body)
	if err != nil {
		return err
	}
	if size > 0 && n != size {
		return fmt.Errorf("downloaded %d bytes, expected %d", n, size)
	}
	c.logger.Debug("downloaded", "url", u.Redacted(), "bytes", n)
	return nil
}

// retry runs op until it succeeds, fails permanently or ctx is done.
func (c *Client) retry(ctx context.Context, op backoff.Operation) error {
	return backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), func(err error, d time.Duration) {
		if errors.Is(err, errPending) {
			c.logger.Debug("waiting for job", "retryIn", d)
			return
		}
		c.logger.Warn("CDS request failed", "err", err, "retryIn", d)
	})
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	r.Header.Set("PRIVATE-TOKEN", c.key)
	r.Header.Set("Accept", "application/json")
	return r, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	r, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	return c.do(r, v)
}

// do sends r and decodes a JSON response into v. Server errors and transport
// errors are retryable; client errors are permanent.
func (c *Client) do(r *http.Request, v any) error {
	res, err := c.httpCli.Do(r)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		return statusError(res)
	}
	if res.StatusCode >= 300 {
		return backoff.Permanent(statusError(res))
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func statusError(res *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	var detail struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(msg, &detail) == nil && (detail.Title != "" || detail.Detail != "") {
		return fmt.Errorf("unexpected status %d: %s %s", res.StatusCode, detail.Title, detail.Detail)
	}
	return fmt.Errorf("unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
}
