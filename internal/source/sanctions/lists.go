package sanctions

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/kyb-monitor/internal/fetcher"
)

// Format is a list file format.
type Format string

// Supported list formats.
const (
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
	FormatXLSX Format = "xlsx"
)

// Columns maps record fields to the header names of a CSV or XLSX list.
type Columns struct {
	Name       string `yaml:"name" mapstructure:"name"`
	Reference  string `yaml:"reference" mapstructure:"reference"`
	Aliases    string `yaml:"aliases" mapstructure:"aliases"`
	Identifier string `yaml:"identifier" mapstructure:"identifier"`
	// Separator splits multi-valued alias and identifier cells. Default ";".
	Separator string `yaml:"separator" mapstructure:"separator"`
}

// ListConfig describes one downloadable sanctions list.
type ListConfig struct {
	Name   string `yaml:"name" mapstructure:"name"`
	URL    string `yaml:"url" mapstructure:"url"`
	Format Format `yaml:"format" mapstructure:"format"`

	Columns   Columns `yaml:"columns" mapstructure:"columns"`
	Delimiter string  `yaml:"delimiter" mapstructure:"delimiter"`
	SkipRows  int     `yaml:"skip_rows" mapstructure:"skip_rows"`
	Sheet     string  `yaml:"sheet" mapstructure:"sheet"`
	HeaderRow int     `yaml:"header_row" mapstructure:"header_row"`
}

// Entry is one listed party.
type Entry struct {
	List        string
	Reference   string
	Name        string
	Aliases     []string
	Identifiers []string
}

// unEntity is an ENTITY record of the UN consolidated list.
type unEntity struct {
	Reference string   `xml:"REFERENCE_NUMBER"`
	First     string   `xml:"FIRST_NAME"`
	Aliases   []string `xml:"ENTITY_ALIAS>ALIAS_NAME"`
}

// DefaultLists is the UN Security Council consolidated list.
func DefaultLists() []ListConfig {
	return []ListConfig{{
		Name:   "un_consolidated",
		URL:    "https://scsanctions.un.org/resources/xml/en/consolidated.xml",
		Format: FormatXML,
	}}
}

// LoadLists reads list definitions from a YAML file with a top-level
// "lists" key. An empty path yields DefaultLists.
func LoadLists(path string) ([]ListConfig, error) {
	if path == "" {
		return DefaultLists(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "sanctions: read lists %s", path)
	}
	var doc struct {
		Lists []ListConfig `yaml:"lists"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "sanctions: parse lists %s", path)
	}
	for i, l := range doc.Lists {
		if l.Name == "" || l.URL == "" {
			return nil, eris.Errorf("sanctions: list %d needs a name and url", i)
		}
	}
	return doc.Lists, nil
}

// parse decodes a list body according to its format.
func parse(ctx context.Context, cfg ListConfig, body io.Reader) ([]Entry, error) {
	switch cfg.Format {
	case FormatCSV, "":
		opts := fetcher.CSVOptions{SkipRows: cfg.SkipRows, LazyQuotes: true}
		if cfg.Delimiter != "" {
			opts.Delimiter = []rune(cfg.Delimiter)[0]
		}
		recs, err := fetcher.Drain(fetcher.StreamCSV(ctx, body, opts))
		if err != nil {
			return nil, eris.Wrapf(err, "sanctions: parse %s", cfg.Name)
		}
		return fromRecords(cfg, recs)

	case FormatXLSX:
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, eris.Wrapf(err, "sanctions: read %s", cfg.Name)
		}
		recs, err := fetcher.ReadXLSX(data, fetcher.XLSXOptions{SheetName: cfg.Sheet, HeaderRow: cfg.HeaderRow})
		if err != nil {
			return nil, eris.Wrapf(err, "sanctions: parse %s", cfg.Name)
		}
		return fromRecords(cfg, recs)

	case FormatXML:
		ents, err := fetcher.Drain(fetcher.StreamXML[unEntity](ctx, body, fetcher.XMLOptions{Element: "ENTITY", MinRecords: 1}))
		if err != nil {
			return nil, eris.Wrapf(err, "sanctions: parse %s", cfg.Name)
		}
		out := make([]Entry, 0, len(ents))
		for _, e := range ents {
			name := strings.TrimSpace(e.First)
			if name == "" {
				continue
			}
			out = append(out, Entry{
				List:      cfg.Name,
				Reference: strings.TrimSpace(e.Reference),
				Name:      name,
				Aliases:   compactAll(e.Aliases),
			})
		}
		return out, nil
	}
	return nil, eris.Errorf("sanctions: list %s has unknown format %q", cfg.Name, cfg.Format)
}

func fromRecords(cfg ListConfig, recs []fetcher.Record) ([]Entry, error) {
	cols := cfg.Columns
	if cols.Name == "" {
		cols.Name = "name"
	}
	sep := cols.Separator
	if sep == "" {
		sep = ";"
	}
	key := strings.ToLower

	var out []Entry
	for _, r := range recs {
		name := r[key(cols.Name)]
		if name == "" {
			continue
		}
		e := Entry{List: cfg.Name, Name: name}
		if cols.Reference != "" {
			e.Reference = r[key(cols.Reference)]
		}
		if cols.Aliases != "" {
			e.Aliases = compactAll(strings.Split(r[key(cols.Aliases)], sep))
		}
		if cols.Identifier != "" {
			e.Identifiers = compactAll(strings.Split(r[key(cols.Identifier)], sep))
		}
		out = append(out, e)
	}
	if len(recs) > 0 && len(out) == 0 {
		return nil, eris.Errorf("sanctions: list %s has no %q column values", cfg.Name, cols.Name)
	}
	return out, nil
}

func compactAll(vals []string) []string {
	var out []string
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// readAllClose buffers a download body so parsing cannot hold the
// connection open.
func readAllClose(rc io.ReadCloser) (io.Reader, error) {
	defer rc.Close() //nolint:errcheck
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, eris.Wrap(err, "sanctions: read list body")
	}
	return bytes.NewReader(data), nil
}
