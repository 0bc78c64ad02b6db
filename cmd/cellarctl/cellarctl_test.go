package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Tenant string
	User   string
	Body   map[string]any
}

type fakeServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	response any
}

func newFakeServer(t *testing.T, status int, response any) *fakeServer {
	t.Helper()
	fs := &fakeServer{status: status, response: response}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Tenant: r.Header.Get(tenantHeader),
			User:   r.Header.Get(userHeader),
		}
		_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		fs.mu.Lock()
		fs.requests = append(fs.requests, rec)
		fs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fs.status)
		_ = json.NewEncoder(w).Encode(fs.response)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) last(t *testing.T) recordedRequest {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(t, fs.requests)
	return fs.requests[len(fs.requests)-1]
}

// run executes cellarctl with args against the fake server.
func run(t *testing.T, fs *fakeServer, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(append([]string{"--server", fs.URL}, args...))
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	return out.String(), err
}

func TestTanksList(t *testing.T) {
	fs := newFakeServer(t, http.StatusOK, map[string]any{
		"tanks": []map[string]any{
			{"id": "t1", "name": "FV1", "kind": "fermenter", "capacityLiters": 2000, "status": "AVAILABLE"},
			{"id": "t2", "name": "BBT1", "kind": "bright", "capacityLiters": 1500, "status": "IN_USE", "currentLotId": "l1"},
		},
		"count": 2,
	})

	out, err := run(t, fs, "--tenant", "brewery-a", "tanks", "list", "--status", "IN_USE")
	require.NoError(t, err)

	req := fs.last(t)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/api/v1/tanks", req.Path)
	assert.Equal(t, "status=IN_USE", req.Query)
	assert.Equal(t, "brewery-a", req.Tenant)

	assert.Contains(t, out, "CAPACITY (L)")
	assert.Contains(t, out, "FV1")
	assert.Contains(t, out, "BBT1")
	assert.Contains(t, out, "l1")
}

func TestBatchesAssignSendsWindow(t *testing.T) {
	fs := newFakeServer(t, http.StatusCreated, map[string]any{
		"success":    true,
		"assignment": map[string]any{"id": "a1", "tankId": "t1", "lotId": "l1", "phase": "FERMENTATION", "status": "PLANNED"},
	})

	out, err := run(t, fs, "batches", "assign", "b1",
		"--tank", "t1", "--start", "2026-03-02", "--end", "2026-03-09T00:00:00Z")
	require.NoError(t, err)

	req := fs.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/v1/batches/b1/assign", req.Path)
	assert.Equal(t, "t1", req.Body["tankId"])
	assert.Equal(t, "FERMENTATION", req.Body["phase"])
	assert.Equal(t, "2026-03-02T00:00:00Z", req.Body["plannedStart"])
	assert.Equal(t, "2026-03-09T00:00:00Z", req.Body["plannedEnd"])
	assert.Contains(t, out, "a1")
}

func TestBatchesAssignRejectsBadTime(t *testing.T) {
	fs := newFakeServer(t, http.StatusCreated, map[string]any{})
	_, err := run(t, fs, "batches", "assign", "b1", "--tank", "t1", "--start", "next week", "--end", "2026-03-09")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid time")
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Empty(t, fs.requests)
}

func TestLotsSplitParsesParts(t *testing.T) {
	fs := newFakeServer(t, http.StatusCreated, map[string]any{
		"parentLotId": "l1",
		"children": []map[string]any{
			{"id": "c1", "code": "2026-030-A", "status": "PLANNED", "phase": "CONDITIONING", "volumeLiters": 500},
			{"id": "c2", "code": "2026-030-B", "status": "PLANNED", "phase": "CONDITIONING", "volumeLiters": 500},
		},
	})

	out, err := run(t, fs, "lots", "split", "l1", "--part", "A=0.5", "--part", "B=0.5")
	require.NoError(t, err)

	req := fs.last(t)
	assert.Equal(t, "/api/v1/lots/l1/split", req.Path)
	children := req.Body["children"].([]any)
	require.Len(t, children, 2)
	assert.Equal(t, map[string]any{"suffix": "A", "fraction": 0.5}, children[0])
	assert.Contains(t, out, "2026-030-A")
	assert.Contains(t, out, "2026-030-B")
}

func TestParseSplitParts(t *testing.T) {
	_, err := parseSplitParts([]string{"A"})
	assert.Error(t, err)
	_, err = parseSplitParts([]string{"A=half"})
	assert.Error(t, err)

	parts, err := parseSplitParts([]string{"A=0.25", "B=0.75"})
	require.NoError(t, err)
	assert.Equal(t, 0.75, parts[1]["fraction"])
}

func TestLotsBlend(t *testing.T) {
	fs := newFakeServer(t, http.StatusCreated, map[string]any{"id": "l9", "code": "BL-A+B", "status": "ACTIVE", "phase": "CONDITIONING"})

	out, err := run(t, fs, "lots", "blend", "--lot", "l1", "--lot", "l2", "--into", "l1")
	require.NoError(t, err)

	req := fs.last(t)
	assert.Equal(t, "/api/v1/lots/blend", req.Path)
	assert.Equal(t, []any{"l1", "l2"}, req.Body["lotIds"])
	assert.Equal(t, "l1", req.Body["intoLotId"])
	assert.Contains(t, out, "BL-A+B")
}

func TestServerErrorsSurface(t *testing.T) {
	fs := newFakeServer(t, http.StatusBadRequest, map[string]any{
		"error":   "SCHEDULE_CONFLICT",
		"message": "tank FV1 is booked from 2026-03-02 to 2026-03-09",
	})

	_, err := run(t, fs, "assignments", "create", "--lot", "l1", "--tank", "t1", "--start", "2026-03-03", "--end", "2026-03-05")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULE_CONFLICT")
	assert.Contains(t, err.Error(), "is booked")
}

func TestOutputFormats(t *testing.T) {
	fs := newFakeServer(t, http.StatusOK, map[string]any{"id": "t1", "name": "FV1", "status": "AVAILABLE"})

	out, err := run(t, fs, "-o", "json", "tanks", "get", "t1")
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "FV1", decoded["name"])

	out, err = run(t, fs, "-o", "yaml", "tanks", "get", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "name: FV1")

	_, err = run(t, fs, "-o", "xml", "tanks", "get", "t1")
	assert.Error(t, err)
}

func TestSettingsFromEnvAndConfigFile(t *testing.T) {
	fs := newFakeServer(t, http.StatusOK, map[string]any{"tanks": []any{}, "count": 0})

	cfgPath := filepath.Join(t.TempDir(), "cellarctl.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("tenant: brewery-file\nuser: file-user\n"), 0o600))

	_, err := run(t, fs, "--config", cfgPath, "tanks", "list")
	require.NoError(t, err)
	req := fs.last(t)
	assert.Equal(t, "brewery-file", req.Tenant)
	assert.Equal(t, "file-user", req.User)

	t.Setenv("CELLARCTL_TENANT", "brewery-env")
	_, err = run(t, fs, "--config", cfgPath, "tanks", "list")
	require.NoError(t, err)
	assert.Equal(t, "brewery-env", fs.last(t).Tenant, "env overrides config file")

	_, err = run(t, fs, "--config", cfgPath, "--tenant", "brewery-flag", "tanks", "list")
	require.NoError(t, err)
	assert.Equal(t, "brewery-flag", fs.last(t).Tenant, "flag overrides env")
}

func TestMissingConfigFileIsAnError(t *testing.T) {
	fs := newFakeServer(t, http.StatusOK, map[string]any{})
	_, err := run(t, fs, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "health")
	assert.Error(t, err)
}

func TestCalendarQuery(t *testing.T) {
	fs := newFakeServer(t, http.StatusOK, map[string]any{
		"blocks": []map[string]any{{
			"tank":        map[string]any{"name": "FV1"},
			"lot":         map[string]any{"code": "2026-030"},
			"phase":       "FERMENTATION",
			"status":      "ACTIVE",
			"utilization": 75,
			"badges":      []string{"blend"},
		}},
		"count": 1,
	})

	out, err := run(t, fs, "calendar", "--start", "2026-03-01", "--tank", "t1")
	require.NoError(t, err)

	req := fs.last(t)
	assert.Equal(t, "/api/v1/calendar/assignments", req.Path)
	assert.Equal(t, "start=2026-03-01T00%3A00%3A00Z&tankId=t1", req.Query)
	assert.Contains(t, out, "75%")
	assert.Contains(t, out, "blend")
}
