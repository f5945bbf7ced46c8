package risk

import (
	"sort"

	"github.com/sells-group/kyb-monitor/internal/model"
)

type contributionKey struct {
	source model.SourceID
	typ    model.AlertType
}

// ScoreDiff computes how diff moves the counterparty's contributions.
// Changes are grouped per alert type; a raising change takes precedence
// over a resolving one, which takes precedence over neutral changes.
// Raise and neutral keep the larger of the current contribution and the
// change weight, resolve zeroes the contribution.
func ScoreDiff(cp model.Counterparty, diff model.Diff, w Weights) model.ScoreDelta {
	current := make(map[contributionKey]int, len(cp.Contributions))
	for _, c := range cp.Contributions {
		current[contributionKey{c.Source, c.AlertType}] = c.Points
	}

	type group struct {
		effect model.Effect
		weight int
	}
	groups := map[model.AlertType]*group{}
	for _, ch := range diff.Changes {
		p := w.Points(diff.Source, ch.Severity)
		g, ok := groups[ch.AlertType]
		if !ok {
			groups[ch.AlertType] = &group{effect: ch.Effect, weight: p}
			continue
		}
		switch {
		case effectRank(ch.Effect) > effectRank(g.effect):
			g.effect, g.weight = ch.Effect, p
		case ch.Effect == g.effect && p > g.weight:
			g.weight = p
		}
	}

	types := make([]model.AlertType, 0, len(groups))
	for t := range groups {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var changes []model.ContributionChange
	for _, t := range types {
		g := groups[t]
		key := contributionKey{diff.Source, t}
		before := current[key]
		after := before
		switch g.effect {
		case model.EffectResolve:
			after = 0
		default:
			after = max(before, g.weight)
		}
		if after == before {
			continue
		}
		current[key] = after
		changes = append(changes, model.ContributionChange{Source: diff.Source, AlertType: t, Before: before, After: after})
	}

	before := Aggregate(cp.Contributions)
	after := aggregateMap(current)
	return model.ScoreDelta{Before: before, After: after, Delta: after - before, Changes: changes}
}

// Aggregate returns the clamped sum of contributions.
func Aggregate(contributions []model.Contribution) int {
	sum := 0
	for _, c := range contributions {
		sum += c.Points
	}
	return Clamp(sum)
}

// Clamp bounds a score to [0, MaxScore].
func Clamp(score int) int {
	return min(max(score, 0), MaxScore)
}

func aggregateMap(m map[contributionKey]int) int {
	sum := 0
	for _, p := range m {
		sum += p
	}
	return Clamp(sum)
}

func effectRank(e model.Effect) int {
	switch e {
	case model.EffectRaise:
		return 2
	case model.EffectResolve:
		return 1
	default:
		return 0
	}
}

// Apply returns cp's contributions after delta.
func Apply(cp model.Counterparty, delta model.ScoreDelta) []model.Contribution {
	idx := make(map[contributionKey]int, len(cp.Contributions))
	out := make([]model.Contribution, 0, len(cp.Contributions)+len(delta.Changes))
	for _, c := range cp.Contributions {
		idx[contributionKey{c.Source, c.AlertType}] = len(out)
		out = append(out, c)
	}
	for _, ch := range delta.Changes {
		key := contributionKey{ch.Source, ch.AlertType}
		if i, ok := idx[key]; ok {
			out[i].Points = ch.After
			continue
		}
		idx[key] = len(out)
		out = append(out, model.Contribution{CounterpartyID: cp.ID, Source: ch.Source, AlertType: ch.AlertType, Points: ch.After})
	}
	kept := out[:0]
	for _, c := range out {
		if c.Points > 0 {
			kept = append(kept, c)
		}
	}
	return kept
}
