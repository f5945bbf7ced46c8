// Package risk turns classified diffs into per-(source, alert type) score
// contributions and aggregates them into a counterparty's risk score.
package risk

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/kyb-monitor/internal/config"
	"github.com/sells-group/kyb-monitor/internal/model"
)

// MaxScore is the upper bound of the aggregate score.
const MaxScore = 100

// Table maps severities to points.
type Table map[model.Severity]int

// Weights holds the default points per severity and optional per-source
// overrides. A source override only needs the severities it changes.
type Weights struct {
	Default Table                    `yaml:"default" mapstructure:"default"`
	Sources map[model.SourceID]Table `yaml:"sources,omitempty" mapstructure:"sources"`
}

// DefaultWeights returns the built-in weights.
func DefaultWeights() Weights {
	return Weights{
		Default: Table{
			model.SeverityCritical: 40,
			model.SeverityMajor:    15,
			model.SeverityMinor:    3,
			model.SeverityNone:     0,
		},
	}
}

// Points returns the weight of a change of sev reported by source.
func (w Weights) Points(source model.SourceID, sev model.Severity) int {
	if t, ok := w.Sources[source]; ok {
		if p, ok := t[sev]; ok {
			return p
		}
	}
	return w.Default[sev]
}

// Validate checks that every weight is within [0, MaxScore] and that
// overrides name known sources and severities.
func (w Weights) Validate() error {
	var errs []string
	check := func(scope string, t Table) {
		for sev, p := range t {
			if _, err := model.ParseSeverity(string(sev)); err != nil {
				errs = append(errs, fmt.Sprintf("%s: unknown severity %q", scope, sev))
				continue
			}
			if p < 0 || p > MaxScore {
				errs = append(errs, fmt.Sprintf("%s.%s must be between 0 and %d", scope, sev, MaxScore))
			}
		}
	}
	check("default", w.Default)
	for src, t := range w.Sources {
		if !src.Valid() {
			errs = append(errs, fmt.Sprintf("unknown source %q", src))
			continue
		}
		check(string(src), t)
	}
	if len(errs) > 0 {
		return eris.Errorf("risk: invalid weights: %s", strings.Join(errs, "; "))
	}
	return nil
}

// WeightsFromConfig builds weights from the scoring config section. Zero
// severity weights keep their defaults; a weights file, when set, is
// layered on top.
func WeightsFromConfig(cfg config.ScoringConfig) (Weights, error) {
	w := DefaultWeights()
	for sev, p := range map[model.Severity]int{
		model.SeverityCritical: cfg.Critical,
		model.SeverityMajor:    cfg.Major,
		model.SeverityMinor:    cfg.Minor,
	} {
		if p != 0 {
			w.Default[sev] = p
		}
	}
	for src, t := range cfg.Sources {
		for sev, p := range t {
			w = w.withOverride(model.SourceID(strings.ToLower(src)), model.Severity(strings.ToLower(sev)), p)
		}
	}
	if cfg.WeightsFile != "" {
		data, err := os.ReadFile(cfg.WeightsFile)
		if err != nil {
			return Weights{}, eris.Wrapf(err, "risk: read weights %s", cfg.WeightsFile)
		}
		if w, err = ParseWeights(w, data); err != nil {
			return Weights{}, err
		}
	}
	return w, w.Validate()
}

// ParseWeights layers a YAML weights document over base.
func ParseWeights(base Weights, data []byte) (Weights, error) {
	var doc Weights
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Weights{}, eris.Wrap(err, "risk: parse weights")
	}
	out := base.clone()
	for sev, p := range doc.Default {
		out.Default[sev] = p
	}
	for src, t := range doc.Sources {
		for sev, p := range t {
			out = out.withOverride(src, sev, p)
		}
	}
	return out, out.Validate()
}

func (w Weights) withOverride(src model.SourceID, sev model.Severity, p int) Weights {
	out := w.clone()
	if out.Sources == nil {
		out.Sources = map[model.SourceID]Table{}
	}
	if out.Sources[src] == nil {
		out.Sources[src] = Table{}
	}
	out.Sources[src][sev] = p
	return out
}

func (w Weights) clone() Weights {
	out := Weights{Default: make(Table, len(w.Default))}
	for k, v := range w.Default {
		out.Default[k] = v
	}
	if w.Sources != nil {
		out.Sources = make(map[model.SourceID]Table, len(w.Sources))
		for src, t := range w.Sources {
			cp := make(Table, len(t))
			for k, v := range t {
				cp[k] = v
			}
			out.Sources[src] = cp
		}
	}
	return out
}
