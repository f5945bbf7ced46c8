package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/scheduler"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 1000
	snapshotLimit     = 100
)

type sourceView struct {
	Source              model.SourceID    `json:"source"`
	Frequency           string            `json:"frequency"`
	LastCheckedAt       *time.Time        `json:"last_checked_at"`
	LastAttemptAt       *time.Time        `json:"last_attempt_at,omitempty"`
	LastStatus          model.CheckStatus `json:"last_status,omitempty"`
	Health              model.Health      `json:"health"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	NextDueAt           *time.Time        `json:"next_due_at,omitempty"`
}

type counterpartyView struct {
	ID                string               `json:"id"`
	TenantID          string               `json:"tenant_id"`
	Name              string               `json:"name"`
	Country           string               `json:"country"`
	VATNumber         string               `json:"vat_number,omitempty"`
	LEI               string               `json:"lei,omitempty"`
	RiskScore         int                  `json:"risk_score"`
	MonitoringEnabled bool                 `json:"monitoring_enabled"`
	Sources           []sourceView         `json:"sources"`
	Contributions     []model.Contribution `json:"contributions,omitempty"`
	Snapshots         []model.Snapshot     `json:"snapshots,omitempty"`
	Alerts            []model.Alert        `json:"alerts,omitempty"`
}

func newCounterpartyView(cp *model.Counterparty) counterpartyView {
	v := counterpartyView{
		ID:                cp.ID,
		TenantID:          cp.TenantID,
		Name:              cp.Name,
		Country:           cp.Country,
		VATNumber:         cp.VATNumber,
		LEI:               cp.LEI,
		RiskScore:         cp.RiskScore,
		MonitoringEnabled: cp.MonitoringEnabled,
		Sources:           make([]sourceView, 0, len(cp.Sources)),
		Contributions:     cp.Contributions,
	}
	for _, id := range cp.SourceIDs() {
		st := cp.Sources[id]
		sv := sourceView{
			Source:              id,
			Frequency:           st.Frequency.String(),
			LastCheckedAt:       st.LastCheckedAt,
			LastAttemptAt:       st.LastAttemptAt,
			LastStatus:          st.LastStatus,
			Health:              st.Health,
			ConsecutiveFailures: st.ConsecutiveFailures,
		}
		if sv.Health == "" {
			sv.Health = model.HealthUnknown
		}
		if st.LastCheckedAt != nil {
			due := st.DueAt()
			sv.NextDueAt = &due
		}
		v.Sources = append(v.Sources, sv)
	}
	return v
}

// loadCounterparty resolves {id}, honoring the tenant header.
func (s *Server) loadCounterparty(w http.ResponseWriter, r *http.Request) (*model.Counterparty, bool) {
	cp, err := s.store.GetCounterparty(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err, "counterparty")
		return nil, false
	}
	if tenant := r.Header.Get(TenantHeader); tenant != "" && tenant != cp.TenantID {
		writeError(w, http.StatusNotFound, "counterparty not found")
		return nil, false
	}
	return cp, true
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	cp, ok := s.loadCounterparty(w, r)
	if !ok {
		return
	}

	outcomes, err := s.checker.CheckNow(r.Context(), cp.ID)
	if err != nil {
		s.writeStoreError(w, r, err, "counterparty")
		return
	}

	score := cp.RiskScore
	for _, o := range outcomes {
		if o.State == scheduler.StateAccepted {
			score = o.Score
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counterparty_id": cp.ID,
		"risk_score":      score,
		"results":         outcomes,
	})
}

func (s *Server) handleGetCounterparty(w http.ResponseWriter, r *http.Request) {
	include := map[string]bool{}
	if raw := r.URL.Query().Get("include"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			switch part {
			case "snapshots", "alerts":
				include[part] = true
			case "":
			default:
				writeError(w, http.StatusBadRequest, "unknown include "+strconv.Quote(part))
				return
			}
		}
	}

	cp, ok := s.loadCounterparty(w, r)
	if !ok {
		return
	}
	view := newCounterpartyView(cp)

	if include["snapshots"] {
		snaps, err := s.store.ListSnapshots(r.Context(), cp.ID, snapshotLimit)
		if err != nil {
			s.writeStoreError(w, r, err, "snapshots")
			return
		}
		view.Snapshots = snaps
	}
	if include["alerts"] {
		alerts, err := s.alerts.List(r.Context(), model.AlertFilter{CounterpartyID: cp.ID, Limit: maxAlertLimit})
		if err != nil {
			s.writeStoreError(w, r, err, "alerts")
			return
		}
		view.Alerts = alerts
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, msg := parseAlertFilter(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	filter.TenantID = r.Header.Get(TenantHeader)

	alerts, err := s.alerts.List(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, r, err, "alerts")
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func parseAlertFilter(r *http.Request) (model.AlertFilter, string) {
	q := r.URL.Query()
	filter := model.AlertFilter{
		CounterpartyID: q.Get("counterparty_id"),
		Limit:          defaultAlertLimit,
	}
	var errs []string

	if v := q.Get("severity"); v != "" {
		sev, err := model.ParseSeverity(v)
		if err != nil {
			errs = append(errs, "invalid severity")
		}
		filter.Severity = sev
	}
	if v := q.Get("type"); v != "" {
		if !knownAlertType(model.AlertType(v)) {
			errs = append(errs, "invalid type")
		}
		filter.Type = model.AlertType(v)
	}
	if v := q.Get("is_read"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, "is_read must be a boolean")
		}
		filter.IsRead = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxAlertLimit {
			errs = append(errs, "limit must be between 1 and "+strconv.Itoa(maxAlertLimit))
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, "offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, strings.Join(errs, "; ")
}

var alertTypes = []model.AlertType{
	model.AlertSanctionsMatch, model.AlertSanctionsDetailsChanged,
	model.AlertVATInvalidated, model.AlertVATDetailsChanged,
	model.AlertInsolvencyFiled, model.AlertInsolvencyNotice,
	model.AlertLEIStatusChange, model.AlertLEIDetailsChanged,
}

func knownAlertType(t model.AlertType) bool {
	for _, known := range alertTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsRead *bool `json:"is_read"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IsRead == nil || !*req.IsRead {
		writeError(w, http.StatusBadRequest, `only {"is_read": true} is supported`)
		return
	}

	id := chi.URLParam(r, "id")
	existing, err := s.alerts.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err, "alert")
		return
	}
	if tenant := r.Header.Get(TenantHeader); tenant != "" && tenant != existing.TenantID {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}

	a, err := s.alerts.Acknowledge(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err, "alert")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok"}

	if err := s.store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
		body["store"] = err.Error()
		writeJSON(w, status, body)
		return
	}

	counts, err := s.store.CountHealth(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err, "health")
		return
	}
	sources := map[model.SourceID]map[model.Health]int{}
	for _, hc := range counts {
		if sources[hc.Source] == nil {
			sources[hc.Source] = map[model.Health]int{}
		}
		sources[hc.Source][hc.Health] += hc.Count
	}
	body["sources"] = sources
	writeJSON(w, status, body)
}
