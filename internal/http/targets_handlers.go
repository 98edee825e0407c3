package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"schema_reconciler/internal/config"
	"schema_reconciler/internal/db"
	"schema_reconciler/internal/diff"
	"schema_reconciler/internal/expect"
	"schema_reconciler/internal/reconcile"
	"schema_reconciler/internal/storage"
	"schema_reconciler/internal/target"
)

type TargetHandler struct {
	cfg         *config.Config
	expectation expect.Expectation
	open        target.Opener
	logger      reconcile.Logger
}

func NewTargetHandler(cfg *config.Config, expectation expect.Expectation, open target.Opener, logger reconcile.Logger) *TargetHandler {
	return &TargetHandler{cfg: cfg, expectation: expectation, open: open, logger: logger}
}

type targetSummary struct {
	Name     string   `json:"name"`
	Provider string   `json:"provider"`
	Schema   string   `json:"schema,omitempty"`
	Channels []string `json:"channels"`
}

func (h *TargetHandler) List(w http.ResponseWriter, r *http.Request) {
	out := make([]targetSummary, 0, len(h.cfg.Targets))
	for _, t := range h.cfg.Targets {
		chs, err := db.Channels(t)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "invalid_channels", err.Error())
			return
		}
		names := make([]string, 0, len(chs))
		for _, c := range chs {
			names = append(names, c.String())
		}
		out = append(out, targetSummary{Name: t.Name, Provider: t.Provider, Schema: t.Schema, Channels: names})
	}
	writeJSON(w, http.StatusOK, out)
}

type blockedColumn struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Reason string `json:"reason"`
}

type planResponse struct {
	Target        string             `json:"target"`
	Present       []expect.ColumnRef `json:"present"`
	Missing       []expect.ColumnRef `json:"missing"`
	Blocked       []blockedColumn    `json:"blocked"`
	MissingTables []string           `json:"missing_tables"`
	Statements    []string           `json:"statements"`
}

func (h *TargetHandler) Plan(w http.ResponseWriter, r *http.Request) {
	exp, ok := h.scoped(w, r)
	if !ok {
		return
	}
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	defer session.Close()

	plan := session.Reconciler.PlanMissingColumns(r.Context(), &exp)
	if !h.planned(w, session, plan) {
		return
	}
	resp := planResponse{
		Target:        session.Target.Name,
		Present:       plan.Present,
		Missing:       []expect.ColumnRef{},
		Blocked:       []blockedColumn{},
		MissingTables: plan.MissingTables,
		Statements:    plan.ManualSQL(),
	}
	for _, m := range plan.Missing {
		resp.Missing = append(resp.Missing, expect.ColumnRef{Table: m.Table, Column: m.Column.Name})
	}
	for _, b := range plan.Blocked {
		reason := b.Probe.Kind.String()
		if b.Probe.Err != nil {
			reason = b.Probe.Err.Error()
		}
		resp.Blocked = append(resp.Blocked, blockedColumn{Table: b.Table, Column: b.Column.Name, Reason: reason})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *TargetHandler) ManualSQL(w http.ResponseWriter, r *http.Request) {
	exp, ok := h.scoped(w, r)
	if !ok {
		return
	}
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	defer session.Close()

	plan := session.Reconciler.PlanMissingColumns(r.Context(), &exp)
	if !h.planned(w, session, plan) {
		return
	}
	writeSQL(w, plan.ManualScript())
}

// planned reports whether plan is complete, writing a 503 when connectivity
// dropped while planning.
func (h *TargetHandler) planned(w http.ResponseWriter, session *target.Session, plan *reconcile.Plan) bool {
	if plan.Lost == nil {
		return true
	}
	h.logger.Error("connectivity lost while planning", "target", session.Target.Name, "error", plan.Lost)
	status, body := errorStatus(plan.Lost)
	writeJSON(w, status, errorBody{Error: body})
	return false
}

// Reconcile runs one independent reconciliation. Concurrent requests each
// get their own backend and report.
func (h *TargetHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	exp, ok := h.scoped(w, r)
	if !ok {
		return
	}
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	defer session.Close()

	ctx, cancel := session.RunContext(r.Context())
	defer cancel()

	report, err := session.Reconciler.Reconcile(ctx, &exp)
	if r.URL.Query().Get("export") == "true" && h.cfg.OutputDir != "" {
		if _, werr := storage.WriteRun(h.cfg.OutputDir, report); werr != nil {
			h.logger.Error("export run failed", "run_id", report.RunID.String(), "error", werr)
		}
	}
	if errors.Is(err, reconcile.ErrConnectivity) {
		writeJSON(w, http.StatusServiceUnavailable, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type driftResponse struct {
	Target        string             `json:"target"`
	HasChanges    bool               `json:"has_changes"`
	MissingTables []string           `json:"missing_tables"`
	Missing       []expect.ColumnRef `json:"missing"`
	Tables        []diff.TableDrift  `json:"tables"`
	Description   string             `json:"description"`
}

func (h *TargetHandler) Drift(w http.ResponseWriter, r *http.Request) {
	exp, ok := h.scoped(w, r)
	if !ok {
		return
	}
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	defer session.Close()

	live, err := session.Backend.FetchSchema(r.Context(), session.Target.Schema)
	if err != nil {
		h.logger.Error("fetch schema failed", "target", session.Target.Name, "error", err)
		if errors.Is(err, db.ErrCatalogUnavailable) {
			status, body := errorStatus(err)
			writeJSON(w, status, errorBody{Error: body})
			return
		}
		writeError(w, http.StatusBadGateway, "fetch_failed", "failed to read target catalog")
		return
	}
	d := diff.Compare(exp, live)
	writeJSON(w, http.StatusOK, driftResponse{
		Target:        session.Target.Name,
		HasChanges:    d.HasChanges(),
		MissingTables: d.MissingTables,
		Missing:       d.Missing(),
		Tables:        d.Tables,
		Description:   diff.Describe(d),
	})
}

func (h *TargetHandler) session(w http.ResponseWriter, r *http.Request) (*target.Session, bool) {
	name := chi.URLParam(r, "name")
	session, err := target.Open(h.cfg, name, h.open, h.logger)
	if err != nil {
		status, body := errorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("open target failed", "target", name, "error", err)
			body = apiError{Code: "open_failed", Message: "failed to open target"}
		}
		writeJSON(w, status, errorBody{Error: body})
		return nil, false
	}
	return session, true
}

// scoped narrows the expectation with ?tables=a,b. Undeclared names are a
// 400.
func (h *TargetHandler) scoped(w http.ResponseWriter, r *http.Request) (expect.Expectation, bool) {
	raw := r.URL.Query().Get("tables")
	if raw == "" {
		return h.expectation, true
	}
	var names []string
	for _, n := range strings.Split(raw, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	exp, err := h.expectation.Only(names...)
	if err != nil {
		status, body := errorStatus(err)
		writeJSON(w, status, errorBody{Error: body})
		return expect.Expectation{}, false
	}
	return exp, true
}
