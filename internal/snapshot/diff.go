// Package snapshot stores immutable source observations and derives the
// field-level changes between consecutive observations of a pair.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/sells-group/kyb-monitor/internal/model"
)

// Hash returns the hex sha256 of fields in sorted key order. Equal maps
// always hash equally.
func Hash(fields map[string]string) string {
	keys := sortedKeys(fields, nil)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(fields[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Compute returns the classified changes between prev and next, ordered by
// field name. A key absent from a map is treated as an empty value.
func Compute(source model.SourceID, prev, next map[string]string, rules *RuleTable) []model.FieldChange {
	var changes []model.FieldChange
	for _, field := range sortedKeys(prev, next) {
		oldV, newV := prev[field], next[field]
		if oldV == newV {
			continue
		}
		kind := model.ChangeModified
		switch {
		case oldV == "":
			kind = model.ChangeAdded
		case newV == "":
			kind = model.ChangeRemoved
		}

		rule := rules.Lookup(source, field, kind)
		change := model.FieldChange{
			Field:     field,
			Old:       oldV,
			New:       newV,
			Kind:      kind,
			Severity:  rule.Severity,
			AlertType: rule.AlertType,
			Effect:    model.EffectNeutral,
		}
		if rule.Adverse != "" {
			switch rule.Adverse {
			case newV:
				change.Effect = model.EffectRaise
			case oldV:
				change.Effect = model.EffectResolve
			default:
				change.Severity = model.SeverityNone
			}
		}
		changes = append(changes, change)
	}
	return changes
}

// Severity is the maximum severity over changes.
func Severity(changes []model.FieldChange) model.Severity {
	sev := model.SeverityNone
	for _, c := range changes {
		sev = model.MaxSeverity(sev, c.Severity)
	}
	return sev
}

// NewDiff computes the diff from prev to next, or nil when their fields
// are equal.
func NewDiff(prev, next model.Snapshot, rules *RuleTable) *model.Diff {
	changes := Compute(next.Source, prev.Fields, next.Fields, rules)
	if len(changes) == 0 {
		return nil
	}
	return &model.Diff{
		CounterpartyID: next.CounterpartyID,
		Source:         next.Source,
		PrevSnapshotID: prev.ID,
		NextSnapshotID: next.ID,
		Changes:        changes,
		Severity:       Severity(changes),
		CreatedAt:      next.CreatedAt,
	}
}

// Baseline builds the change set of a pair's first snapshot. Only adverse
// findings are kept so that conditions already present at onboarding are
// scored and alerted. The result is never persisted.
func Baseline(next model.Snapshot, rules *RuleTable) model.Diff {
	var raised []model.FieldChange
	for _, c := range Compute(next.Source, nil, next.Fields, rules) {
		if c.Effect == model.EffectRaise {
			raised = append(raised, c)
		}
	}
	return model.Diff{
		CounterpartyID: next.CounterpartyID,
		Source:         next.Source,
		NextSnapshotID: next.ID,
		Changes:        raised,
		Severity:       Severity(raised),
		CreatedAt:      next.CreatedAt,
	}
}

func sortedKeys(a, b map[string]string) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, dup := a[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
