package barapi

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/anovio1/bar-api-scraper/pkg/types"
)

// SearchQuery holds the fixed predicates of a paginated replay search. The
// date window and map filter never change mid-run.
type SearchQuery struct {
	FromDate string
	ToDate   string
	PageSize int
	Maps     []string
}

// Options controls HTTP behaviour of the replay API client.
type Options struct {
	BaseURL         string
	DownloadBaseURL string
	UserAgent       string
	Timeout         time.Duration
	MaxMetaBytes    int64
	Pacer           *Pacer
}

// Client talks to the replay API: paginated search, per-id detail fetch, and
// artifact download.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	downloadBase string
	userAgent    string
	maxMetaBytes int64
	pacer        *Pacer
}

// NewClient constructs an API client using the provided options.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("base URL must be provided")
	}
	if strings.TrimSpace(opts.DownloadBaseURL) == "" {
		return nil, errors.New("download base URL must be provided")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxMetaBytes <= 0 {
		opts.MaxMetaBytes = 6 * 1024 * 1024
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		downloadBase: strings.TrimRight(opts.DownloadBaseURL, "/"),
		userAgent:    opts.UserAgent,
		maxMetaBytes: opts.MaxMetaBytes,
		pacer:        opts.Pacer,
	}, nil
}

type searchResponse struct {
	Data []types.ReplaySummary `json:"data"`
}

// SearchReplays fetches one page of candidate records. An empty, well-formed
// page is a valid result, not an error.
func (c *Client) SearchReplays(ctx context.Context, query SearchQuery, page int) ([]types.ReplaySummary, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(query.PageSize))
	params.Set("hasBots", "false")
	params.Set("endedNormally", "true")
	params.Add("date", query.FromDate)
	params.Add("date", query.ToDate)
	for _, m := range query.Maps {
		params.Add("maps", m)
	}

	body, err := c.getJSON(ctx, c.baseURL+"/replays?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("search page %d: %w", page, err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("search page %d: decode response: %w", page, err)
	}
	return parsed.Data, nil
}

// FetchReplay retrieves the full metadata document for an id. Raw holds the
// response body verbatim so the metadata store can persist it untouched.
func (c *Client) FetchReplay(ctx context.Context, id string) (types.ReplayDetail, error) {
	if id == "" {
		return types.ReplayDetail{}, errors.New("empty replay id")
	}

	body, err := c.getJSON(ctx, c.baseURL+"/replays/"+url.PathEscape(id))
	if err != nil {
		return types.ReplayDetail{}, fmt.Errorf("fetch replay %s: %w", id, err)
	}

	var detail types.ReplayDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return types.ReplayDetail{}, fmt.Errorf("fetch replay %s: decode response: %w", id, err)
	}
	if detail.FileName == "" {
		return types.ReplayDetail{}, fmt.Errorf("fetch replay %s: metadata has no file name", id)
	}
	if detail.ID == "" {
		detail.ID = id
	}
	detail.Raw = body
	return detail, nil
}

// DownloadArtifact opens a stream for the binary payload named by fileName.
// The caller owns the returned ReadCloser.
func (c *Client) DownloadArtifact(ctx context.Context, fileName string) (io.ReadCloser, error) {
	if fileName == "" {
		return nil, errors.New("empty artifact file name")
	}

	resp, err := c.get(ctx, c.downloadBase+"/"+url.PathEscape(fileName))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileName, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: unexpected status %d", fileName, resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	body, err := c.readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, c.maxMetaBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.maxMetaBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", c.maxMetaBytes)
	}
	return body, nil
}
