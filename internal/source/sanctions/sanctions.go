// Package sanctions screens counterparty names against downloaded
// sanctions lists.
package sanctions

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kyb-monitor/internal/fetcher"
	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/names"
	"github.com/sells-group/kyb-monitor/internal/source"
)

// Normalized field names.
const (
	FieldMatchFound       = "match_found"
	FieldMatchScore       = "match_score"
	FieldMatchedName      = "matched_name"
	FieldMatchedList      = "matched_list"
	FieldMatchedReference = "matched_reference"
)

// idSeparator joins a name with its registration identifiers in a query key.
const idSeparator = "|"

// Config configures the sanctions screener.
type Config struct {
	Lists []ListConfig
	// RefreshInterval is how long a loaded list is trusted. Default: 6h.
	RefreshInterval time.Duration
	// Threshold is the minimum fuzzy similarity reported as a match. Default: 0.85.
	Threshold float64
}

type listState struct {
	version string
	entries []Entry
}

// Querier implements source.Querier over an in-memory list index.
type Querier struct {
	cfg     Config
	fetcher fetcher.Fetcher
	now     func() time.Time
	log     *zap.Logger

	refreshMu sync.Mutex
	lists     map[string]listState

	mu       sync.RWMutex
	index    *Index
	loadedAt time.Time
}

// NewQuerier builds a sanctions querier; lists load lazily on first use.
func NewQuerier(cfg Config, f fetcher.Fetcher) *Querier {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 6 * time.Hour
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.85
	}
	return &Querier{
		cfg:     cfg,
		fetcher: f,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "source.sanctions")),
		lists:   make(map[string]listState),
	}
}

// New wraps a sanctions querier as an adapter.
func New(q *Querier, deps source.Deps) *source.Runner {
	return source.NewRunner(q, deps)
}

// ID implements source.Querier.
func (q *Querier) ID() model.SourceID { return model.SourceSanctions }

// Identifier implements source.Querier. The key carries the name followed
// by the VAT number and LEI when known.
func (q *Querier) Identifier(cp model.Counterparty) (string, bool) {
	if strings.TrimSpace(cp.Name) == "" {
		return "", false
	}
	parts := []string{strings.TrimSpace(cp.Name)}
	for _, id := range []string{cp.VATNumber, cp.LEI} {
		if id = strings.TrimSpace(id); id != "" {
			parts = append(parts, id)
		}
	}
	return strings.Join(parts, idSeparator), true
}

// Normalize implements source.Querier.
func (q *Querier) Normalize(identifier string) (string, error) {
	parts := strings.Split(identifier, idSeparator)
	name := names.Normalize(parts[0])
	if len([]rune(name)) < 2 {
		return "", source.Invalid(model.SourceSanctions, identifier, "name too short to screen")
	}
	out := []string{name}
	for _, id := range parts[1:] {
		if id = normalizeID(id); id != "" {
			out = append(out, id)
		}
	}
	return strings.Join(out, idSeparator), nil
}

// Query implements source.Querier.
func (q *Querier) Query(ctx context.Context, key string) (source.Observation, error) {
	idx, err := q.current(ctx)
	if err != nil {
		return source.Observation{}, err
	}

	parts := strings.Split(key, idSeparator)
	m, ok := idx.Lookup(parts[0], parts[1:], q.cfg.Threshold)

	fields := map[string]string{
		FieldMatchFound:       strconv.FormatBool(ok),
		FieldMatchScore:       strconv.FormatFloat(m.Score, 'f', 2, 64),
		FieldMatchedName:      m.Name,
		FieldMatchedList:      m.Entry.List,
		FieldMatchedReference: m.Entry.Reference,
	}
	raw, err := json.Marshal(struct {
		Query string   `json:"query"`
		Match *Match   `json:"match,omitempty"`
		Lists []string `json:"lists"`
	}{Query: key, Match: matchPtr(m, ok), Lists: q.listNames()})
	if err != nil {
		return source.Observation{}, eris.Wrap(err, "sanctions: encode raw result")
	}
	return source.Observation{Fields: fields, Raw: raw}, nil
}

func matchPtr(m Match, ok bool) *Match {
	if !ok {
		return nil
	}
	return &m
}

func (q *Querier) listNames() []string {
	out := make([]string, len(q.cfg.Lists))
	for i, l := range q.cfg.Lists {
		out[i] = l.Name
	}
	return out
}

// current returns the index, refreshing it when older than the refresh
// interval. A failed refresh keeps serving the previous index.
func (q *Querier) current(ctx context.Context) (*Index, error) {
	q.mu.RLock()
	idx, loadedAt := q.index, q.loadedAt
	q.mu.RUnlock()

	if idx != nil && q.now().Sub(loadedAt) < q.cfg.RefreshInterval {
		return idx, nil
	}

	if err := q.Refresh(ctx); err != nil {
		if idx != nil {
			q.log.Warn("sanctions refresh failed, serving previous lists", zap.Error(err))
			return idx, nil
		}
		return nil, source.Transient(model.SourceSanctions, err, 0)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.index, nil
}

// Refresh downloads every configured list whose version changed and
// rebuilds the index. Lists that fail keep their previous entries; an
// error is returned only when no list has ever loaded.
func (q *Querier) Refresh(ctx context.Context) error {
	q.refreshMu.Lock()
	defer q.refreshMu.Unlock()

	q.mu.RLock()
	fresh := q.index != nil && q.now().Sub(q.loadedAt) < q.cfg.RefreshInterval
	q.mu.RUnlock()
	if fresh {
		return nil
	}

	var firstErr error
	for _, l := range q.cfg.Lists {
		if err := q.refreshList(ctx, l); err != nil {
			q.log.Warn("sanctions list refresh failed", zap.String("list", l.Name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(q.lists) == 0 {
		if firstErr == nil {
			firstErr = eris.New("sanctions: no lists configured")
		}
		return firstErr
	}

	var all []Entry
	for _, l := range q.cfg.Lists {
		all = append(all, q.lists[l.Name].entries...)
	}
	idx := NewIndex(all)

	q.mu.Lock()
	q.index = idx
	q.loadedAt = q.now()
	q.mu.Unlock()

	q.log.Info("sanctions index rebuilt", zap.Int("entries", idx.Len()), zap.Int("lists", len(q.lists)))
	return nil
}

func (q *Querier) refreshList(ctx context.Context, l ListConfig) error {
	prev, had := q.lists[l.Name]
	dl, err := q.fetcher.Fetch(ctx, l.URL, prev.version)
	if err != nil {
		return eris.Wrapf(err, "sanctions: fetch %s", l.Name)
	}
	if !dl.Changed && had {
		return nil
	}
	if !dl.Changed {
		return eris.Errorf("sanctions: %s reported unchanged before first load", l.Name)
	}

	body, err := readAllClose(dl.Body)
	if err != nil {
		return err
	}
	entries, err := parse(ctx, l, body)
	if err != nil {
		return err
	}
	q.lists[l.Name] = listState{version: dl.Version, entries: entries}
	q.log.Debug("sanctions list loaded", zap.String("list", l.Name), zap.Int("entries", len(entries)))
	return nil
}
