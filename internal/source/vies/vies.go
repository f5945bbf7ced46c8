// Package vies checks EU VAT numbers against the VIES service.
package vies

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/resilience"
	"github.com/sells-group/kyb-monitor/internal/source"
	viesclient "github.com/sells-group/kyb-monitor/pkg/vies"
)

// Normalized field names.
const (
	FieldActive      = "active"
	FieldEntityName  = "entity_name"
	FieldAddress     = "company_address"
	FieldCountryCode = "country_code"
	FieldVATNumber   = "vat_number"
)

var formats = map[string]*regexp.Regexp{
	"AT": regexp.MustCompile(`^U\d{8}$`),
	"BE": regexp.MustCompile(`^[01]\d{9}$`),
	"BG": regexp.MustCompile(`^\d{9,10}$`),
	"CY": regexp.MustCompile(`^\d{8}[A-Z]$`),
	"CZ": regexp.MustCompile(`^\d{8,10}$`),
	"DE": regexp.MustCompile(`^\d{9}$`),
	"DK": regexp.MustCompile(`^\d{8}$`),
	"EE": regexp.MustCompile(`^\d{9}$`),
	"EL": regexp.MustCompile(`^\d{9}$`),
	"ES": regexp.MustCompile(`^[A-Z0-9]\d{7}[A-Z0-9]$`),
	"FI": regexp.MustCompile(`^\d{8}$`),
	"FR": regexp.MustCompile(`^[A-HJ-NP-Z0-9]{2}\d{9}$`),
	"HR": regexp.MustCompile(`^\d{11}$`),
	"HU": regexp.MustCompile(`^\d{8}$`),
	"IE": regexp.MustCompile(`^(\d{7}[A-W][A-I]?|\d[A-Z+*]\d{5}[A-W])$`),
	"IT": regexp.MustCompile(`^\d{11}$`),
	"LT": regexp.MustCompile(`^(\d{9}|\d{12})$`),
	"LU": regexp.MustCompile(`^\d{8}$`),
	"LV": regexp.MustCompile(`^\d{11}$`),
	"MT": regexp.MustCompile(`^\d{8}$`),
	"NL": regexp.MustCompile(`^\d{9}B\d{2}$`),
	"PL": regexp.MustCompile(`^\d{10}$`),
	"PT": regexp.MustCompile(`^\d{9}$`),
	"RO": regexp.MustCompile(`^\d{2,10}$`),
	"SE": regexp.MustCompile(`^\d{12}$`),
	"SI": regexp.MustCompile(`^\d{8}$`),
	"SK": regexp.MustCompile(`^\d{10}$`),
	"XI": regexp.MustCompile(`^(\d{9}|\d{12}|GD\d{3}|HA\d{3})$`),
}

var checksums = map[string]func(string) bool{
	"BE": checkBE,
	"IT": checkIT,
	"FR": checkFR,
}

// Querier implements source.Querier for VIES.
type Querier struct {
	client viesclient.Client
}

// New wraps client as a VIES adapter.
func New(client viesclient.Client, deps source.Deps) *source.Runner {
	return source.NewRunner(&Querier{client: client}, deps)
}

// ID implements source.Querier.
func (q *Querier) ID() model.SourceID { return model.SourceVIES }

// Identifier implements source.Querier. A VAT number without a country
// prefix borrows the counterparty's country.
func (q *Querier) Identifier(cp model.Counterparty) (string, bool) {
	vat := compact(cp.VATNumber)
	if vat == "" {
		return "", false
	}
	if !hasCountryPrefix(vat) && cp.Country != "" {
		vat = strings.ToUpper(cp.Country) + vat
	}
	return vat, true
}

// Normalize implements source.Querier.
func (q *Querier) Normalize(identifier string) (string, error) {
	vat := compact(identifier)
	if len(vat) < 3 || !hasCountryPrefix(vat) {
		return "", source.Invalid(model.SourceVIES, identifier, "missing country prefix")
	}
	cc, num := vat[:2], vat[2:]
	if cc == "GR" {
		cc = "EL"
	}
	re, ok := formats[cc]
	if !ok {
		return "", source.Invalid(model.SourceVIES, identifier, "unsupported country %s", cc)
	}
	if !re.MatchString(num) {
		return "", source.Invalid(model.SourceVIES, identifier, "malformed %s VAT number", cc)
	}
	if check, ok := checksums[cc]; ok && !check(num) {
		return "", source.Invalid(model.SourceVIES, identifier, "%s check digits do not match", cc)
	}
	return cc + num, nil
}

// Query implements source.Querier.
func (q *Querier) Query(ctx context.Context, key string) (source.Observation, error) {
	resp, err := q.client.CheckVat(ctx, key[:2], key[2:])
	if err != nil {
		return source.Observation{}, classify(key, err)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return source.Observation{}, eris.Wrap(err, "vies: encode raw response")
	}
	return source.Observation{
		Fields: map[string]string{
			FieldActive:      strconv.FormatBool(resp.Valid),
			FieldEntityName:  resp.Name,
			FieldAddress:     resp.Address,
			FieldCountryCode: key[:2],
			FieldVATNumber:   key,
		},
		Raw: raw,
	}, nil
}

func classify(key string, err error) error {
	var fe *viesclient.FaultError
	if errors.As(err, &fe) {
		switch {
		case fe.InvalidInput():
			return source.Invalid(model.SourceVIES, key, "rejected by registry: %s", fe.Code)
		case fe.Temporary():
			return source.Transient(model.SourceVIES, err, fe.StatusCode)
		}
		return err
	}
	var se *viesclient.StatusError
	if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.StatusCode) {
		return source.Transient(model.SourceVIES, err, se.StatusCode)
	}
	return err
}

func compact(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '.', '-', '\t':
			return -1
		}
		return r
	}, strings.ToUpper(strings.TrimSpace(s)))
}

func hasCountryPrefix(s string) bool {
	return len(s) >= 2 && isLetter(s[0]) && isLetter(s[1])
}

func isLetter(b byte) bool { return b >= 'A' && b <= 'Z' }

// checkBE: the last two digits are 97 minus the first eight mod 97.
func checkBE(num string) bool {
	base, err := strconv.Atoi(num[:8])
	if err != nil {
		return false
	}
	check, err := strconv.Atoi(num[8:])
	if err != nil {
		return false
	}
	return 97-base%97 == check
}

// checkIT is the Luhn check over all eleven digits.
func checkIT(num string) bool {
	sum := 0
	for i := len(num) - 1; i >= 0; i-- {
		d := int(num[i] - '0')
		if (len(num)-1-i)%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

// checkFR validates the numeric key against the SIREN. Alphabetic keys
// use a different scheme and are left to the registry.
func checkFR(num string) bool {
	key, err := strconv.Atoi(num[:2])
	if err != nil {
		return true
	}
	siren, err := strconv.Atoi(num[2:])
	if err != nil {
		return false
	}
	return key == (12+3*(siren%97))%97
}
