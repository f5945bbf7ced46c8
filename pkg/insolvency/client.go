package insolvency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Client searches a public insolvency notice register.
type Client interface {
	SearchNotices(ctx context.Context, q NoticeQuery) (*NoticePage, error)
}

// NoticeQuery filters a notice search. Page is 1-based.
type NoticeQuery struct {
	Jurisdiction string
	Name         string
	Page         int
	Size         int
}

// Notice is one published insolvency notice.
type Notice struct {
	ID           string `json:"id"`
	CompanyName  string `json:"company_name"`
	Jurisdiction string `json:"jurisdiction"`
	NoticeType   string `json:"notice_type"`
	PublishedAt  string `json:"published_at"`
	Court        string `json:"court"`
	CaseNumber   string `json:"case_number"`
}

// NoticePage is one page of search results.
type NoticePage struct {
	Notices    []Notice `json:"notices"`
	Page       int      `json:"page"`
	TotalPages int      `json:"total_pages"`
}

// StatusError is a non-200 response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("insolvency: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the register base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

type httpClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates an insolvency register client.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SearchNotices(ctx context.Context, q NoticeQuery) (*NoticePage, error) {
	params := url.Values{}
	params.Set("jurisdiction", q.Jurisdiction)
	params.Set("name", q.Name)
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.Size > 0 {
		params.Set("size", strconv.Itoa(q.Size))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/notices?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "insolvency: create request")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "insolvency: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "insolvency: read response")
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 256 {
			body = body[:256]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var page NoticePage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, eris.Wrap(err, "insolvency: unmarshal response")
	}
	return &page, nil
}
