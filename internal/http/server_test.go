package httpserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"schema_reconciler/internal/config"
	"schema_reconciler/internal/db"
	"schema_reconciler/internal/expect"
	"schema_reconciler/internal/logging"
	"schema_reconciler/internal/reconcile"
	"schema_reconciler/internal/storage"
)

const testExpectation = `
tables:
  - name: orders
    columns:
      - {name: id, type: text, primary_key: true, nullable: false}
      - {name: tax_amount, type: numeric, default: "0"}
      - {name: ship_date, type: date}
  - name: customers
    columns:
      - {name: id, type: text, primary_key: true, nullable: false}
`

func newTestServer(t *testing.T) (*httptest.Server, *config.Config) {
	t.Helper()
	return newTestServerWith(t, func(*config.Config) {})
}

func newTestServerWith(t *testing.T, tweak func(*config.Config)) (*httptest.Server, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "app.db")

	conn, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	_, err = conn.Exec(`CREATE TABLE orders (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	cfg := &config.Config{
		OutputDir: filepath.Join(dir, "out"),
		Targets:   []config.TargetConfig{{Name: "local", Provider: "sqlite", DSN: dsn}},
	}
	tweak(cfg)
	exp, err := expect.Parse([]byte(testExpectation))
	require.NoError(t, err)

	logger := logging.Discard()
	srv := New(cfg, logger, NewTargetHandler(cfg, exp, nil, logger), NewRunHandler(cfg.OutputDir, logger))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, cfg
}

func getJSON(t *testing.T, method, url string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	var body map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, ts.URL+"/api/v1/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["targets"])
}

func TestListTargets(t *testing.T) {
	ts, _ := newTestServer(t)
	var body []targetSummary
	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, ts.URL+"/api/v1/targets", &body))
	require.Len(t, body, 1)
	assert.Equal(t, "local", body[0].Name)
	assert.Equal(t, []string{"direct"}, body[0].Channels)
}

func TestPlanAndManualSQL(t *testing.T) {
	ts, _ := newTestServer(t)

	var plan planResponse
	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, ts.URL+"/api/v1/targets/local/plan", &plan))
	assert.Equal(t, []expect.ColumnRef{{Table: "orders", Column: "tax_amount"}, {Table: "orders", Column: "ship_date"}}, plan.Missing)
	assert.Equal(t, []string{"customers"}, plan.MissingTables)
	assert.Len(t, plan.Blocked, 1)

	resp, err := http.Get(ts.URL + "/api/v1/targets/local/manual.sql?tables=orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "application/sql; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(raw), "ALTER TABLE orders ADD COLUMN ship_date date;")
	assert.NotContains(t, string(raw), "customers")
}

func TestReconcileAndExport(t *testing.T) {
	ts, cfg := newTestServer(t)

	var report map[string]any
	status := getJSON(t, http.MethodPost, ts.URL+"/api/v1/targets/local/reconcile?tables=orders&export=true", &report)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "resolved", report["outcome"])

	runs, err := storage.ListRuns(cfg.OutputDir)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	var listed []storage.RunRecord
	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, ts.URL+"/api/v1/runs", &listed))
	assert.Equal(t, runs[0].ID, listed[0].ID)

	resp, err := http.Get(ts.URL + "/api/v1/runs/" + runs[0].ID + "/manual.sql")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(raw), "no statements required"), string(raw))

	// The second run finds everything in place.
	status = getJSON(t, http.MethodPost, ts.URL+"/api/v1/targets/local/reconcile?tables=orders", &report)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "nothing_needed", report["outcome"])
}

func TestDrift(t *testing.T) {
	ts, _ := newTestServer(t)
	var body driftResponse
	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, ts.URL+"/api/v1/targets/local/drift", &body))
	assert.True(t, body.HasChanges)
	assert.Equal(t, []string{"customers"}, body.MissingTables)
	assert.Len(t, body.Missing, 2)
}

func TestErrors(t *testing.T) {
	ts, _ := newTestServer(t)

	var body errorBody
	assert.Equal(t, http.StatusNotFound, getJSON(t, http.MethodGet, ts.URL+"/api/v1/targets/nope/plan", &body))
	assert.Equal(t, "not_found", body.Error.Code)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, http.MethodGet, ts.URL+"/api/v1/runs/not-a-uuid", &body))
	assert.Equal(t, http.StatusNotFound, getJSON(t, http.MethodGet, ts.URL+"/api/v1/runs/6f1c1f39-2c7a-4c55-9a53-2d1f2b8f4a11", &body))
}

func TestUndeclaredTablesRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	var body errorBody
	assert.Equal(t, http.StatusBadRequest, getJSON(t, http.MethodGet, ts.URL+"/api/v1/targets/local/plan?tables=orders,ordres", &body))
	assert.Equal(t, "unknown_table", body.Error.Code)
	assert.Contains(t, body.Error.Message, "ordres")

	assert.Equal(t, http.StatusBadRequest, getJSON(t, http.MethodPost, ts.URL+"/api/v1/targets/local/reconcile?tables=ordres", &body))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, http.MethodGet, ts.URL+"/api/v1/targets/local/manual.sql?tables=ordres", &body))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, http.MethodGet, ts.URL+"/api/v1/targets/local/drift?tables=ordres", &body))
}

func TestPlanAfterConnectivityLoss(t *testing.T) {
	gone := httptest.NewServer(http.NotFoundHandler())
	gone.Close()
	ts, _ := newTestServerWith(t, func(cfg *config.Config) {
		cfg.Targets = append(cfg.Targets, config.TargetConfig{Name: "offline", Provider: "postgrest", URL: gone.URL + "/rest/v1"})
	})

	var body errorBody
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, http.MethodGet, ts.URL+"/api/v1/targets/offline/plan", &body))
	assert.Equal(t, "target_unreachable", body.Error.Code)

	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, http.MethodGet, ts.URL+"/api/v1/targets/offline/manual.sql", &body))
	assert.Equal(t, "target_unreachable", body.Error.Code)
}

func TestReconcileRequiresToken(t *testing.T) {
	ts, _ := newTestServerWith(t, func(cfg *config.Config) { cfg.APIToken = "s3cret" })

	var body errorBody
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, http.MethodPost, ts.URL+"/api/v1/targets/local/reconcile?tables=orders", &body))
	assert.Equal(t, "unauthorized", body.Error.Code)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/targets/local/reconcile?tables=orders", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Reads stay open.
	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, ts.URL+"/api/v1/targets", nil))
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: billing", config.ErrTargetNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: dial tcp", reconcile.ErrConnectivity), http.StatusServiceUnavailable, "target_unreachable"},
		{fmt.Errorf("%w: openapi disabled", db.ErrCatalogUnavailable), http.StatusBadGateway, "catalog_unavailable"},
		{fmt.Errorf("%w: ordres", expect.ErrUnknownTable), http.StatusBadRequest, "unknown_table"},
		{errors.New("pq: password authentication failed"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, body := errorStatus(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, body.Code)
	}
	_, body := errorStatus(errors.New("pq: password authentication failed"))
	assert.NotContains(t, body.Message, "password")
}
