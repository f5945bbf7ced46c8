package snapshot

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/kyb-monitor/internal/model"
)

// Rule classifies changes of one field of one source. When Adverse is set,
// a change into that value raises the alert type and a change out of it
// resolves it; any other change of the field carries no severity.
type Rule struct {
	Source    model.SourceID     `yaml:"source" mapstructure:"source"`
	Field     string             `yaml:"field" mapstructure:"field"`
	Kinds     []model.ChangeKind `yaml:"kinds,omitempty" mapstructure:"kinds"`
	Severity  model.Severity     `yaml:"severity" mapstructure:"severity"`
	AlertType model.AlertType    `yaml:"alert_type" mapstructure:"alert_type"`
	Adverse   string             `yaml:"adverse,omitempty" mapstructure:"adverse"`
}

type ruleKey struct {
	source model.SourceID
	field  string
	kind   model.ChangeKind
}

// RuleTable maps (source, field, change kind) to a Rule. A rule without
// kinds applies to every kind not matched more specifically.
type RuleTable struct {
	rules map[ruleKey]Rule
}

// detailsType is the alert type of changes no rule covers.
var detailsType = map[model.SourceID]model.AlertType{
	model.SourceVIES:       model.AlertVATDetailsChanged,
	model.SourceSanctions:  model.AlertSanctionsDetailsChanged,
	model.SourceInsolvency: model.AlertInsolvencyNotice,
	model.SourceLEI:        model.AlertLEIDetailsChanged,
}

// DefaultRules returns the built-in severity rules.
func DefaultRules() []Rule {
	modified := []model.ChangeKind{model.ChangeModified}
	anyKind := []model.ChangeKind(nil)
	return []Rule{
		{Source: model.SourceVIES, Field: "active", Kinds: anyKind, Severity: model.SeverityCritical, AlertType: model.AlertVATInvalidated, Adverse: "false"},
		{Source: model.SourceVIES, Field: "entity_name", Kinds: modified, Severity: model.SeverityMajor, AlertType: model.AlertVATDetailsChanged},
		{Source: model.SourceVIES, Field: "company_address", Kinds: modified, Severity: model.SeverityMinor, AlertType: model.AlertVATDetailsChanged},

		{Source: model.SourceSanctions, Field: "match_found", Kinds: anyKind, Severity: model.SeverityCritical, AlertType: model.AlertSanctionsMatch, Adverse: "true"},
		{Source: model.SourceSanctions, Field: "matched_reference", Kinds: modified, Severity: model.SeverityMajor, AlertType: model.AlertSanctionsDetailsChanged},
		{Source: model.SourceSanctions, Field: "matched_list", Kinds: modified, Severity: model.SeverityMinor, AlertType: model.AlertSanctionsDetailsChanged},
		{Source: model.SourceSanctions, Field: "matched_name", Kinds: modified, Severity: model.SeverityMinor, AlertType: model.AlertSanctionsDetailsChanged},

		{Source: model.SourceInsolvency, Field: "insolvency_filed", Kinds: anyKind, Severity: model.SeverityCritical, AlertType: model.AlertInsolvencyFiled, Adverse: "true"},
		{Source: model.SourceInsolvency, Field: "notice_count", Kinds: modified, Severity: model.SeverityMajor, AlertType: model.AlertInsolvencyNotice},
		{Source: model.SourceInsolvency, Field: "latest_notice_type", Kinds: modified, Severity: model.SeverityMajor, AlertType: model.AlertInsolvencyNotice},
		{Source: model.SourceInsolvency, Field: "court", Kinds: modified, Severity: model.SeverityMinor, AlertType: model.AlertInsolvencyNotice},

		{Source: model.SourceLEI, Field: "active", Kinds: anyKind, Severity: model.SeverityMajor, AlertType: model.AlertLEIStatusChange, Adverse: "false"},
		{Source: model.SourceLEI, Field: "registration_status", Kinds: modified, Severity: model.SeverityMajor, AlertType: model.AlertLEIStatusChange},
		{Source: model.SourceLEI, Field: "entity_status", Kinds: modified, Severity: model.SeverityMajor, AlertType: model.AlertLEIStatusChange},
		{Source: model.SourceLEI, Field: "legal_jurisdiction", Kinds: modified, Severity: model.SeverityMajor, AlertType: model.AlertLEIDetailsChanged},
		{Source: model.SourceLEI, Field: "entity_name", Kinds: modified, Severity: model.SeverityMinor, AlertType: model.AlertLEIDetailsChanged},
		{Source: model.SourceLEI, Field: "legal_address", Kinds: modified, Severity: model.SeverityMinor, AlertType: model.AlertLEIDetailsChanged},
	}
}

// NewRuleTable builds a table from rules. Later rules override earlier
// ones for the same (source, field, kind).
func NewRuleTable(rules ...Rule) (*RuleTable, error) {
	t := &RuleTable{rules: make(map[ruleKey]Rule, len(rules))}
	for i, r := range rules {
		if !r.Source.Valid() {
			return nil, eris.Errorf("snapshot: rule %d: unknown source %q", i, r.Source)
		}
		if r.Field == "" {
			return nil, eris.Errorf("snapshot: rule %d: field is required", i)
		}
		sev, err := model.ParseSeverity(string(r.Severity))
		if err != nil {
			return nil, eris.Wrapf(err, "snapshot: rule %d", i)
		}
		r.Severity = sev
		if r.AlertType == "" {
			r.AlertType = detailsType[r.Source]
		}
		if len(r.Kinds) == 0 {
			t.rules[ruleKey{r.Source, r.Field, ""}] = r
			continue
		}
		for _, k := range r.Kinds {
			switch k {
			case model.ChangeAdded, model.ChangeRemoved, model.ChangeModified:
			default:
				return nil, eris.Errorf("snapshot: rule %d: unknown change kind %q", i, k)
			}
			t.rules[ruleKey{r.Source, r.Field, k}] = r
		}
	}
	return t, nil
}

// DefaultRuleTable returns a table of the built-in rules.
func DefaultRuleTable() *RuleTable {
	t, err := NewRuleTable(DefaultRules()...)
	if err != nil {
		panic(err)
	}
	return t
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules reads a YAML rule document and layers it over the defaults.
func ParseRules(data []byte) (*RuleTable, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "snapshot: parse rules")
	}
	return NewRuleTable(append(DefaultRules(), f.Rules...)...)
}

// LoadRules reads rule overrides from path. An empty path yields the defaults.
func LoadRules(path string) (*RuleTable, error) {
	if path == "" {
		return DefaultRuleTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: read rules %s", path)
	}
	return ParseRules(data)
}

// Lookup returns the rule for a change, falling back to a severity-none
// details rule when nothing matches.
func (t *RuleTable) Lookup(source model.SourceID, field string, kind model.ChangeKind) Rule {
	if r, ok := t.rules[ruleKey{source, field, kind}]; ok {
		return r
	}
	if r, ok := t.rules[ruleKey{source, field, ""}]; ok {
		return r
	}
	return Rule{Source: source, Field: field, Severity: model.SeverityNone, AlertType: detailsType[source]}
}
