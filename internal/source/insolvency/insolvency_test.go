package insolvency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/ratelimit"
	"github.com/sells-group/kyb-monitor/internal/resilience"
	"github.com/sells-group/kyb-monitor/internal/source"
	client "github.com/sells-group/kyb-monitor/pkg/insolvency"
	"github.com/sells-group/kyb-monitor/pkg/insolvency/mocks"
)

func testDeps() source.Deps {
	return source.Deps{
		Limiter: ratelimit.New(ratelimit.NewMemoryWindows(), ratelimit.NewMemoryCache(), nil),
		Retry:   resilience.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
}

func page(n, total int, notices ...client.Notice) *client.NoticePage {
	return &client.NoticePage{Notices: notices, Page: n, TotalPages: total}
}

func pageQuery(n int) any {
	return mock.MatchedBy(func(q client.NoticeQuery) bool {
		return q.Page == n && q.Jurisdiction == "DE" && q.Name == "Acme GmbH"
	})
}

func TestNormalize(t *testing.T) {
	q := NewQuerier(nil, Config{})

	key, err := q.Normalize("de:  Acme   GmbH ")
	require.NoError(t, err)
	assert.Equal(t, "DE:Acme GmbH", key)

	for _, bad := range []string{"Acme GmbH", "D1:Acme", "DEU:Acme", "DE:", "DE:   "} {
		_, err := q.Normalize(bad)
		var ve *source.ValidationError
		assert.ErrorAs(t, err, &ve, bad)
	}
}

func TestIdentifier(t *testing.T) {
	q := NewQuerier(nil, Config{})
	id, ok := q.Identifier(model.Counterparty{Country: "de", Name: "Acme GmbH"})
	assert.True(t, ok)
	assert.Equal(t, "DE:Acme GmbH", id)

	_, ok = q.Identifier(model.Counterparty{Name: "Acme GmbH"})
	assert.False(t, ok)
}

func TestCheckSingle_PaginatesAndFilters(t *testing.T) {
	c := mocks.NewMockClient(t)
	c.On("SearchNotices", mock.Anything, pageQuery(1)).Return(page(1, 2,
		client.Notice{ID: "1", CompanyName: "ACME GmbH", Jurisdiction: "DE", NoticeType: "Opening", PublishedAt: "2026-01-10", Court: "AG Berlin"},
		client.Notice{ID: "2", CompanyName: "Acme Holding AG", Jurisdiction: "DE", NoticeType: "opening", PublishedAt: "2026-03-01"},
	), nil).Once()
	c.On("SearchNotices", mock.Anything, pageQuery(2)).Return(page(2, 2,
		client.Notice{ID: "3", CompanyName: "Acme GmbH", Jurisdiction: "DE", NoticeType: "Administrator appointed", PublishedAt: "2026-02-15T09:00:00Z", Court: "AG Berlin-Charlottenburg"},
		client.Notice{ID: "4", CompanyName: "Acme GmbH", Jurisdiction: "AT", NoticeType: "opening", PublishedAt: "2026-04-01"},
	), nil).Once()

	res := New(c, Config{}, testDeps()).CheckSingle(context.Background(), "DE:Acme GmbH")

	require.Equal(t, model.StatusOK, res.Status, res.Error)
	assert.Equal(t, map[string]string{
		FieldFiled:      "true",
		FieldCount:      "2",
		FieldLatestType: "administrator appointed",
		FieldLatestDate: "2026-02-15",
		FieldCourt:      "AG Berlin-Charlottenburg",
	}, res.Fields)
}

func TestCheckSingle_NoNotices(t *testing.T) {
	c := mocks.NewMockClient(t)
	c.On("SearchNotices", mock.Anything, pageQuery(1)).Return(page(1, 0), nil).Once()

	res := New(c, Config{}, testDeps()).CheckSingle(context.Background(), "DE:Acme GmbH")

	require.Equal(t, model.StatusOK, res.Status)
	assert.Equal(t, "false", res.Fields[FieldFiled])
	assert.Equal(t, "0", res.Fields[FieldCount])
	assert.Equal(t, "", res.Fields[FieldLatestType])
}

func TestCheckSingle_PageBound(t *testing.T) {
	c := mocks.NewMockClient(t)
	c.On("SearchNotices", mock.Anything, mock.Anything).Return(page(1, 100,
		client.Notice{ID: "x", CompanyName: "Other Corp", Jurisdiction: "DE"},
	), nil).Times(2)

	res := New(c, Config{MaxPages: 2}, testDeps()).CheckSingle(context.Background(), "DE:Acme GmbH")

	assert.Equal(t, model.StatusOK, res.Status)
	assert.Equal(t, "false", res.Fields[FieldFiled])
}

func TestCheckSingle_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   model.CheckStatus
		calls  int
	}{
		{503, model.StatusSourceUnavailable, 3},
		{429, model.StatusSourceUnavailable, 3},
		{422, model.StatusInvalidInput, 1},
		{401, model.StatusSourceUnavailable, 1},
	}
	for _, tt := range tests {
		c := mocks.NewMockClient(t)
		c.On("SearchNotices", mock.Anything, mock.Anything).
			Return(nil, &client.StatusError{StatusCode: tt.status}).Times(tt.calls)

		res := New(c, Config{}, testDeps()).CheckSingle(context.Background(), "DE:Acme GmbH")
		assert.Equal(t, tt.want, res.Status, tt.status)
	}
}
