// Package lei checks Legal Entity Identifiers against the GLEIF register.
package lei

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/resilience"
	"github.com/sells-group/kyb-monitor/internal/source"
	"github.com/sells-group/kyb-monitor/pkg/gleif"
)

// Normalized field names.
const (
	FieldEntityName         = "entity_name"
	FieldEntityStatus       = "entity_status"
	FieldRegistrationStatus = "registration_status"
	FieldJurisdiction       = "legal_jurisdiction"
	FieldLegalAddress       = "legal_address"
	FieldNextRenewal        = "next_renewal_date"
	FieldActive             = "active"
)

// Registration statuses under which a LEI is still in good standing.
var liveRegistrations = map[string]bool{
	"ISSUED":           true,
	"PENDING_TRANSFER": true,
	"PENDING_ARCHIVAL": true,
}

// Querier implements source.Querier for GLEIF.
type Querier struct {
	client gleif.Client
}

// New wraps client as a LEI adapter.
func New(client gleif.Client, deps source.Deps) *source.Runner {
	return source.NewRunner(&Querier{client: client}, deps)
}

// ID implements source.Querier.
func (q *Querier) ID() model.SourceID { return model.SourceLEI }

// Identifier implements source.Querier.
func (q *Querier) Identifier(cp model.Counterparty) (string, bool) {
	lei := strings.ToUpper(strings.TrimSpace(cp.LEI))
	return lei, lei != ""
}

// Normalize implements source.Querier.
func (q *Querier) Normalize(identifier string) (string, error) {
	lei := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(identifier), " ", ""))
	if err := Validate(lei); err != nil {
		return "", source.Invalid(model.SourceLEI, identifier, "%s", err.Error())
	}
	return lei, nil
}

// Query implements source.Querier.
func (q *Querier) Query(ctx context.Context, key string) (source.Observation, error) {
	rec, err := q.client.GetRecord(ctx, key)
	if errors.Is(err, gleif.ErrNotFound) {
		return source.Observation{NotFound: true, Fields: notFoundFields()}, nil
	}
	if err != nil {
		var se *gleif.StatusError
		if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.StatusCode) {
			return source.Observation{}, source.Transient(model.SourceLEI, err, se.StatusCode)
		}
		return source.Observation{}, err
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return source.Observation{}, eris.Wrap(err, "lei: encode raw record")
	}

	regStatus := strings.ToUpper(rec.Registration.Status)
	entStatus := strings.ToUpper(rec.Entity.Status)
	return source.Observation{
		Fields: map[string]string{
			FieldEntityName:         strings.TrimSpace(rec.Entity.LegalName.Name),
			FieldEntityStatus:       entStatus,
			FieldRegistrationStatus: regStatus,
			FieldJurisdiction:       strings.ToUpper(rec.Entity.Jurisdiction),
			FieldLegalAddress:       formatAddress(rec.Entity.LegalAddress),
			FieldNextRenewal:        dateOnly(rec.Registration.NextRenewalDate),
			FieldActive:             strconv.FormatBool(entStatus == "ACTIVE" && liveRegistrations[regStatus]),
		},
		Raw: raw,
	}, nil
}

func notFoundFields() map[string]string {
	return map[string]string{
		FieldEntityName:         "",
		FieldEntityStatus:       "",
		FieldRegistrationStatus: "",
		FieldJurisdiction:       "",
		FieldLegalAddress:       "",
		FieldNextRenewal:        "",
		FieldActive:             "false",
	}
}

func formatAddress(a gleif.Address) string {
	parts := make([]string, 0, len(a.AddressLines)+3)
	for _, l := range a.AddressLines {
		if l = strings.TrimSpace(l); l != "" {
			parts = append(parts, l)
		}
	}
	city := strings.TrimSpace(strings.TrimSpace(a.PostalCode) + " " + strings.TrimSpace(a.City))
	for _, p := range []string{city, strings.TrimSpace(a.Country)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func dateOnly(s string) string {
	if len(s) >= 10 {
		return s[:10]
	}
	return s
}

// Validate checks the ISO 17442 structure of lei: 20 upper-case
// alphanumerics whose MOD 97-10 remainder is 1.
func Validate(lei string) error {
	if len(lei) != 20 {
		return eris.Errorf("lei must be 20 characters, got %d", len(lei))
	}
	for _, r := range lei {
		if !(r >= '0' && r <= '9') && !(r >= 'A' && r <= 'Z') {
			return eris.Errorf("lei has invalid character %q", r)
		}
	}
	if lei[18] < '0' || lei[18] > '9' || lei[19] < '0' || lei[19] > '9' {
		return eris.New("lei check digits must be numeric")
	}
	if mod97(lei) != 1 {
		return eris.New("lei check digits do not match")
	}
	return nil
}

// CheckDigits returns the two check digits for an 18-character LEI prefix.
func CheckDigits(prefix string) string {
	rem := mod97(strings.ToUpper(prefix) + "00")
	return strconv.Itoa(int(98-rem)/10) + strconv.Itoa(int(98-rem)%10)
}

func mod97(s string) int64 {
	var digits strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		default:
			digits.WriteString(strconv.Itoa(int(r-'A') + 10))
		}
	}
	n, ok := new(big.Int).SetString(digits.String(), 10)
	if !ok {
		return -1
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64()
}
