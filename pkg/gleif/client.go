package gleif

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.gleif.org/api/v1"

// ErrNotFound is returned when no record exists for a LEI.
var ErrNotFound = eris.New("gleif: lei record not found")

// Client reads LEI records from the GLEIF API.
type Client interface {
	GetRecord(ctx context.Context, lei string) (*Record, error)
}

// Record is the attributes of a lei-records resource.
type Record struct {
	LEI          string       `json:"lei"`
	Entity       Entity       `json:"entity"`
	Registration Registration `json:"registration"`
}

// Entity holds the legal entity data of a record.
type Entity struct {
	LegalName    Name    `json:"legalName"`
	LegalAddress Address `json:"legalAddress"`
	Jurisdiction string  `json:"jurisdiction"`
	Status       string  `json:"status"`
}

// Name is a localized name.
type Name struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

// Address is a postal address.
type Address struct {
	AddressLines []string `json:"addressLines"`
	City         string   `json:"city"`
	Region       string   `json:"region"`
	Country      string   `json:"country"`
	PostalCode   string   `json:"postalCode"`
}

// Registration holds the LEI registration state.
type Registration struct {
	InitialRegistrationDate string `json:"initialRegistrationDate"`
	LastUpdateDate          string `json:"lastUpdateDate"`
	Status                  string `json:"status"`
	NextRenewalDate         string `json:"nextRenewalDate"`
	ManagingLOU             string `json:"managingLou"`
}

type document struct {
	Data struct {
		Type       string `json:"type"`
		ID         string `json:"id"`
		Attributes Record `json:"attributes"`
	} `json:"data"`
}

// StatusError is a non-200, non-404 response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gleif: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
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

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a GLEIF API client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) GetRecord(ctx context.Context, lei string) (*Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/lei-records/"+url.PathEscape(lei), nil)
	if err != nil {
		return nil, eris.Wrap(err, "gleif: create request")
	}
	req.Header.Set("Accept", "application/vnd.api+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "gleif: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "gleif: read response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		if len(body) > 256 {
			body = body[:256]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, eris.Wrap(err, "gleif: unmarshal response")
	}
	if doc.Data.Attributes.LEI == "" {
		doc.Data.Attributes.LEI = doc.Data.ID
	}
	return &doc.Data.Attributes, nil
}
