package gleif

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recordJSON = `{
  "data": {
    "type": "lei-records",
    "id": "5493001KJTIIGC8Y1R12",
    "attributes": {
      "lei": "5493001KJTIIGC8Y1R12",
      "entity": {
        "legalName": {"name": "ACME GMBH", "language": "de"},
        "legalAddress": {"addressLines": ["Hauptstr. 1"], "city": "Berlin", "country": "DE", "postalCode": "10115"},
        "jurisdiction": "DE",
        "status": "ACTIVE"
      },
      "registration": {"status": "ISSUED", "nextRenewalDate": "2026-06-30T00:00:00Z"}
    }
  }
}`

func TestGetRecord_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/lei-records/5493001KJTIIGC8Y1R12", r.URL.Path)
		assert.Equal(t, "application/vnd.api+json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/vnd.api+json")
		_, _ = w.Write([]byte(recordJSON)) //nolint:errcheck
	}))
	defer srv.Close()

	rec, err := NewClient(WithBaseURL(srv.URL)).GetRecord(context.Background(), "5493001KJTIIGC8Y1R12")

	require.NoError(t, err)
	assert.Equal(t, "ACME GMBH", rec.Entity.LegalName.Name)
	assert.Equal(t, "ACTIVE", rec.Entity.Status)
	assert.Equal(t, "ISSUED", rec.Registration.Status)
	assert.Equal(t, []string{"Hauptstr. 1"}, rec.Entity.LegalAddress.AddressLines)
}

func TestGetRecord_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[{"status":"404","title":"Not Found"}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL)).GetRecord(context.Background(), "529900T8BM49AURSDO55")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGetRecord_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL)).GetRecord(context.Background(), "529900T8BM49AURSDO55")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
}
