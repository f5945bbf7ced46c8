package vies

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://ec.europa.eu/taxation_customs/vies/services/checkVatService"

// Client performs VIES VAT validation.
type Client interface {
	CheckVat(ctx context.Context, countryCode, vatNumber string) (*CheckVatResponse, error)
}

// CheckVatResponse is the checkVat result.
type CheckVatResponse struct {
	CountryCode string `xml:"countryCode"`
	VATNumber   string `xml:"vatNumber"`
	RequestDate string `xml:"requestDate"`
	Valid       bool   `xml:"valid"`
	Name        string `xml:"name"`
	Address     string `xml:"address"`
}

// FaultError is a SOAP fault returned by VIES. Code is the faultstring,
// e.g. INVALID_INPUT or MS_UNAVAILABLE.
type FaultError struct {
	Code       string
	StatusCode int
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("vies: fault %s (status %d)", e.Code, e.StatusCode)
}

// InvalidInput reports whether VIES rejected the request data.
func (e *FaultError) InvalidInput() bool {
	switch e.Code {
	case "INVALID_INPUT", "INVALID_REQUESTER_INFO":
		return true
	}
	return false
}

// Temporary reports whether the fault is worth retrying later.
func (e *FaultError) Temporary() bool {
	switch e.Code {
	case "MS_UNAVAILABLE", "TIMEOUT", "SERVICE_UNAVAILABLE",
		"MS_MAX_CONCURRENT_REQ", "GLOBAL_MAX_CONCURRENT_REQ":
		return true
	}
	return false
}

// StatusError is a non-200 response that carried no SOAP fault.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vies: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default service endpoint.
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

// NewClient creates a VIES SOAP client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type envelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    body     `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
}

type body struct {
	CheckVat         *checkVatRequest  `xml:"urn:ec.europa.eu:taxud:vies:services:checkVat:types checkVat,omitempty"`
	CheckVatResponse *CheckVatResponse `xml:"urn:ec.europa.eu:taxud:vies:services:checkVat:types checkVatResponse,omitempty"`
	Fault            *fault            `xml:"http://schemas.xmlsoap.org/soap/envelope/ Fault,omitempty"`
}

type checkVatRequest struct {
	CountryCode string `xml:"urn:ec.europa.eu:taxud:vies:services:checkVat:types countryCode"`
	VATNumber   string `xml:"urn:ec.europa.eu:taxud:vies:services:checkVat:types vatNumber"`
}

type fault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

func (c *httpClient) CheckVat(ctx context.Context, countryCode, vatNumber string) (*CheckVatResponse, error) {
	payload, err := xml.Marshal(envelope{Body: body{CheckVat: &checkVatRequest{
		CountryCode: countryCode,
		VATNumber:   vatNumber,
	}}})
	if err != nil {
		return nil, eris.Wrap(err, "vies: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(append([]byte(xml.Header), payload...)))
	if err != nil {
		return nil, eris.Wrap(err, "vies: create request")
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "vies: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "vies: read response")
	}

	var env envelope
	decodeErr := xml.Unmarshal(respBody, &env)
	if decodeErr == nil && env.Body.Fault != nil {
		return nil, &FaultError{Code: strings.TrimSpace(env.Body.Fault.String), StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 256)}
	}
	if decodeErr != nil {
		return nil, eris.Wrap(decodeErr, "vies: unmarshal response")
	}
	if env.Body.CheckVatResponse == nil {
		return nil, eris.New("vies: response has no checkVatResponse")
	}

	out := env.Body.CheckVatResponse
	out.Name = cleanValue(out.Name)
	out.Address = cleanValue(out.Address)
	return out, nil
}

// cleanValue collapses whitespace; VIES uses "---" for withheld data.
func cleanValue(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "---" {
		return ""
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
