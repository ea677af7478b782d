package statusd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjhop/zfs-pbs-backup/internal/planner"
	"github.com/tjhop/zfs-pbs-backup/internal/runctl"
)

type fakeStatusProvider struct {
	status runctl.Status
}

func (f fakeStatusProvider) Status() runctl.Status { return f.status }

func TestStatus_RequiresToken(t *testing.T) {
	s := NewServer("127.0.0.1:0", "secret", fakeStatusProvider{}, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatus_WithValidToken_ReturnsJSON(t *testing.T) {
	st := runctl.Status{
		Phase:        runctl.PhasePBSBackup,
		SnapshotName: "zfs-pbs-backup_1700000000",
		Plans:        []planner.DatasetPlan{{Dataset: "tank/a"}, {Dataset: "tank/b"}},
	}
	s := NewServer("127.0.0.1:0", "secret", fakeStatusProvider{status: st}, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(AuthenticationTokenHeader, "secret")
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pbs-backup", resp.Phase)
	assert.Equal(t, "zfs-pbs-backup_1700000000", resp.SnapshotName)
	assert.ElementsMatch(t, []string{"tank/a", "tank/b"}, resp.Datasets)
}

func TestStatus_NoTokenConfigured_RefusesRequests(t *testing.T) {
	s := NewServer("127.0.0.1:0", "", fakeStatusProvider{}, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := NewServer("127.0.0.1:0", "", fakeStatusProvider{}, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
