package procman

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminGet(t *testing.T, router *APIRouter, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestAdminListProcesses(t *testing.T) {
	manager := newTestManager(t)
	router := APIRouterOf(manager)

	p, err := manager.Execute("sleep", []string{"30"}, ExecOptions{})
	require.NoError(t, err)

	rec := adminGet(t, router, "/admin/processes")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var statuses []Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, p.PID(), statuses[0].PID)
	assert.Equal(t, "sleep", statuses[0].Command)
}

func TestAdminGetProcess(t *testing.T) {
	manager := newTestManager(t)
	router := APIRouterOf(manager)

	p, err := manager.Execute("sleep", []string{"30"}, ExecOptions{})
	require.NoError(t, err)

	rec := adminGet(t, router, fmt.Sprintf("/admin/processes/%v", p.PID()))
	assert.Equal(t, http.StatusOK, rec.Code)
	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, p.PID(), status.PID)

	rec = adminGet(t, router, "/admin/processes/424242")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = adminGet(t, router, "/admin/processes/notanumber")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminKillProcess(t *testing.T) {
	manager := newTestManager(t)
	router := APIRouterOf(manager)

	p, err := manager.Execute("sleep", []string{"30"}, ExecOptions{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("DELETE",
		fmt.Sprintf("/admin/processes/%v", p.PID()), nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	result, err := manager.Wait(context.Background(), p.PID(), 0, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result.Status.ExitSignal)
	assert.Equal(t, "SIGTERM", *result.Status.ExitSignal)
}

func TestAdminReadOutput(t *testing.T) {
	manager := newTestManager(t)
	router := APIRouterOf(manager)

	p, err := manager.Execute("sh", []string{"-c", countTo100}, ExecOptions{})
	require.NoError(t, err)
	_, err = manager.Wait(context.Background(), p.PID(), 0, 5*time.Second)
	require.NoError(t, err)

	rec := adminGet(t, router,
		fmt.Sprintf("/admin/processes/%v/output?start=51&end=51", p.PID()))
	assert.Equal(t, http.StatusOK, rec.Code)
	var out PlainOutput
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []string{"51"}, out.Lines)
	assert.Equal(t, 100, out.TotalLines)
}

func TestAdminHistory(t *testing.T) {
	withoutJournal := newTestManager(t)
	rec := adminGet(t, APIRouterOf(withoutJournal), "/admin/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	manager := NewManager(Config{DisablePTY: true, Journal: journal})
	defer manager.Close()
	router := APIRouterOf(manager)

	p, err := manager.Execute("sh", []string{"-c", "true"}, ExecOptions{})
	require.NoError(t, err)
	_, err = manager.Wait(context.Background(), p.PID(), 0, 5*time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec := adminGet(t, router, "/admin/history")
		if rec.Code != http.StatusOK {
			return false
		}
		var entries []JournalEntry
		if json.Unmarshal(rec.Body.Bytes(), &entries) != nil {
			return false
		}
		return len(entries) == 1 && entries[0].ExitCode != nil
	}, 2*time.Second, 10*time.Millisecond)
}
