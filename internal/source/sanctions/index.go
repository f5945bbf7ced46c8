package sanctions

import (
	"sort"
	"strings"

	"github.com/sells-group/kyb-monitor/internal/names"
)

// Match is the best hit for a query.
type Match struct {
	Entry Entry
	Name  string // the name or alias that matched
	Score float64
}

type indexedName struct {
	entry int
	name  string
	grams map[string]struct{}
}

// Index is an immutable lookup structure over all loaded lists.
type Index struct {
	entries []Entry
	names   []indexedName
	byName  map[string][]int
	byID    map[string][]int
}

// NewIndex builds an index over entries.
func NewIndex(entries []Entry) *Index {
	idx := &Index{
		entries: entries,
		byName:  make(map[string][]int),
		byID:    make(map[string][]int),
	}
	for i, e := range entries {
		for _, n := range append([]string{e.Name}, e.Aliases...) {
			norm := names.Normalize(n)
			if norm == "" {
				continue
			}
			idx.byName[norm] = append(idx.byName[norm], i)
			idx.names = append(idx.names, indexedName{entry: i, name: n, grams: names.Trigrams(norm)})
		}
		for _, id := range e.Identifiers {
			idx.byID[normalizeID(id)] = append(idx.byID[normalizeID(id)], i)
		}
	}
	return idx
}

// Len returns the number of indexed entries.
func (idx *Index) Len() int { return len(idx.entries) }

// Lookup finds the best match for a party name and its registration
// identifiers: identifier hits first, then exact normalized names, then the
// highest trigram similarity at or above threshold. Ties go to the lowest
// list/reference so results are deterministic.
func (idx *Index) Lookup(name string, identifiers []string, threshold float64) (Match, bool) {
	for _, id := range identifiers {
		if hits := idx.byID[normalizeID(id)]; len(hits) > 0 {
			e := idx.first(hits)
			return Match{Entry: e, Name: e.Name, Score: 1}, true
		}
	}

	norm := names.Normalize(name)
	if norm == "" {
		return Match{}, false
	}
	if hits := idx.byName[norm]; len(hits) > 0 {
		e := idx.first(hits)
		return Match{Entry: e, Name: matchedAlias(e, norm), Score: 1}, true
	}

	grams := names.Trigrams(norm)
	var best Match
	found := false
	for _, n := range idx.names {
		score := names.TrigramSimilarity(grams, n.grams)
		if score < threshold {
			continue
		}
		e := idx.entries[n.entry]
		if !found || score > best.Score || (score == best.Score && less(e, best.Entry)) {
			best = Match{Entry: e, Name: n.name, Score: score}
			found = true
		}
	}
	return best, found
}

func (idx *Index) first(hits []int) Entry {
	out := make([]Entry, len(hits))
	for i, h := range hits {
		out[i] = idx.entries[h]
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out[0]
}

func less(a, b Entry) bool {
	if a.List != b.List {
		return a.List < b.List
	}
	return a.Reference < b.Reference
}

func matchedAlias(e Entry, norm string) string {
	for _, n := range append([]string{e.Name}, e.Aliases...) {
		if names.Normalize(n) == norm {
			return n
		}
	}
	return e.Name
}

func normalizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '.', '-', '/':
			return -1
		}
		return r
	}, strings.ToUpper(strings.TrimSpace(id)))
}
