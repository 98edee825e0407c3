package storage

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schema_reconciler/internal/ddl"
	"schema_reconciler/internal/expect"
	"schema_reconciler/internal/reconcile"
)

func sampleReport(started time.Time) *reconcile.Report {
	return &reconcile.Report{
		RunID:      uuid.New(),
		Target:     "hosted",
		Dialect:    ddl.Postgres,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Tables: []reconcile.TableReport{{Name: "orders", Columns: []reconcile.Entry{{
			Table:  "orders",
			Column: "ship_date",
			Spec:   expect.Column{Name: "ship_date", Type: "date", Nullable: true},
			Probe:  reconcile.Absent,
			Status: reconcile.StatusUnresolved,
			Reason: "no execution channel available",
		}}}},
	}
}

func TestWriteAndLoadRun(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, EnsureBase(base))

	report := sampleReport(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	rec, err := WriteRun(base, report)
	require.NoError(t, err)
	assert.Equal(t, "manual_required", rec.Outcome)
	assert.Equal(t, 1, rec.Statements)

	loaded, err := LoadManifest(base, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, loaded)

	script, err := LoadManualSQL(base, rec.ID)
	require.NoError(t, err)
	assert.Contains(t, script, "ALTER TABLE orders ADD COLUMN IF NOT EXISTS ship_date date;")

	_, err = WriteRun(base, report)
	assert.ErrorContains(t, err, "already exported")
}

func TestLoadManualSQLDetectsTampering(t *testing.T) {
	base := t.TempDir()
	rec, err := WriteRun(base, sampleReport(time.Now().UTC()))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rec.ManualFile, []byte("DROP TABLE orders;\n"), 0o644))

	_, err = LoadManualSQL(base, rec.ID)
	assert.ErrorContains(t, err, "was modified")
}

func TestListRunsNewestFirst(t *testing.T) {
	base := t.TempDir()
	runs, err := ListRuns(base)
	require.NoError(t, err)
	assert.Empty(t, runs)

	older, err := WriteRun(base, sampleReport(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	newer, err := WriteRun(base, sampleReport(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	runs, err = ListRuns(base)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)
	assert.Equal(t, older.ID, runs[1].ID)
}

func TestWriteRunRequiresReport(t *testing.T) {
	_, err := WriteRun(t.TempDir(), nil)
	assert.Error(t, err)
}
