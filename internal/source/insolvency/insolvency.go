// Package insolvency searches published insolvency notices for a
// counterparty.
package insolvency

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/names"
	"github.com/sells-group/kyb-monitor/internal/resilience"
	"github.com/sells-group/kyb-monitor/internal/source"
	client "github.com/sells-group/kyb-monitor/pkg/insolvency"
)

// Normalized field names.
const (
	FieldFiled      = "insolvency_filed"
	FieldCount      = "notice_count"
	FieldLatestType = "latest_notice_type"
	FieldLatestDate = "latest_notice_date"
	FieldCourt      = "court"
)

// Config tunes the notice search.
type Config struct {
	// MaxPages bounds pagination per check. Default: 5.
	MaxPages int
	// PageSize is requested per page. Default: 50.
	PageSize int
	// MinSimilarity filters notices whose company name is not the
	// counterparty's. Default: 0.9.
	MinSimilarity float64
}

// Querier implements source.Querier over an insolvency register.
type Querier struct {
	client client.Client
	cfg    Config
}

// NewQuerier builds an insolvency querier.
func NewQuerier(c client.Client, cfg Config) *Querier {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.9
	}
	return &Querier{client: c, cfg: cfg}
}

// New wraps the register client as an adapter.
func New(c client.Client, cfg Config, deps source.Deps) *source.Runner {
	return source.NewRunner(NewQuerier(c, cfg), deps)
}

// ID implements source.Querier.
func (q *Querier) ID() model.SourceID { return model.SourceInsolvency }

// Identifier implements source.Querier: "CC:name".
func (q *Querier) Identifier(cp model.Counterparty) (string, bool) {
	if cp.Country == "" || strings.TrimSpace(cp.Name) == "" {
		return "", false
	}
	return strings.ToUpper(cp.Country) + ":" + strings.TrimSpace(cp.Name), true
}

// Normalize implements source.Querier.
func (q *Querier) Normalize(identifier string) (string, error) {
	cc, name, ok := strings.Cut(identifier, ":")
	cc = strings.ToUpper(strings.TrimSpace(cc))
	if !ok || len(cc) != 2 || cc[0] < 'A' || cc[0] > 'Z' || cc[1] < 'A' || cc[1] > 'Z' {
		return "", source.Invalid(model.SourceInsolvency, identifier, "expected CC:name")
	}
	name = strings.Join(strings.Fields(name), " ")
	if names.Normalize(name) == "" {
		return "", source.Invalid(model.SourceInsolvency, identifier, "empty name")
	}
	return cc + ":" + name, nil
}

// Query implements source.Querier.
func (q *Querier) Query(ctx context.Context, key string) (source.Observation, error) {
	cc, name, _ := strings.Cut(key, ":")

	var matched []client.Notice
	for page := 1; page <= q.cfg.MaxPages; page++ {
		res, err := q.client.SearchNotices(ctx, client.NoticeQuery{
			Jurisdiction: cc,
			Name:         name,
			Page:         page,
			Size:         q.cfg.PageSize,
		})
		if err != nil {
			return source.Observation{}, classify(err)
		}
		for _, n := range res.Notices {
			if !strings.EqualFold(n.Jurisdiction, cc) {
				continue
			}
			if names.Similarity(n.CompanyName, name) < q.cfg.MinSimilarity {
				continue
			}
			matched = append(matched, n)
		}
		if page >= res.TotalPages || len(res.Notices) == 0 {
			break
		}
	}

	// Newest first; ties by ID for a stable result.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].PublishedAt != matched[j].PublishedAt {
			return matched[i].PublishedAt > matched[j].PublishedAt
		}
		return matched[i].ID > matched[j].ID
	})

	fields := map[string]string{
		FieldFiled:      strconv.FormatBool(len(matched) > 0),
		FieldCount:      strconv.Itoa(len(matched)),
		FieldLatestType: "",
		FieldLatestDate: "",
		FieldCourt:      "",
	}
	if len(matched) > 0 {
		latest := matched[0]
		fields[FieldLatestType] = strings.ToLower(strings.TrimSpace(latest.NoticeType))
		fields[FieldLatestDate] = dateOnly(latest.PublishedAt)
		fields[FieldCourt] = strings.TrimSpace(latest.Court)
	}

	raw, err := json.Marshal(matched)
	if err != nil {
		return source.Observation{}, eris.Wrap(err, "insolvency: encode raw notices")
	}
	return source.Observation{Fields: fields, Raw: raw}, nil
}

func classify(err error) error {
	var se *client.StatusError
	if errors.As(err, &se) {
		if se.StatusCode == 400 || se.StatusCode == 422 {
			return source.Invalid(model.SourceInsolvency, "", "rejected by register: %s", se.Body)
		}
		if resilience.IsTransientHTTPStatus(se.StatusCode) {
			return source.Transient(model.SourceInsolvency, err, se.StatusCode)
		}
	}
	return err
}

// dateOnly trims an RFC 3339 timestamp to its date.
func dateOnly(s string) string {
	if len(s) >= 10 {
		return s[:10]
	}
	return s
}
