package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"overseer/pkg/agent"
	"overseer/pkg/config"
	"overseer/pkg/limiter"
	"overseer/pkg/persistence"
	"overseer/pkg/proto"
	"overseer/pkg/supervisor"
)

const runPlan = `{
  "project": "demo",
  "tiers": [
    {
      "name": "core",
      "phases": [
        {
          "title": "add greeting",
          "spec": "add a greeting function",
          "category": "codegen",
          "allowed_paths": ["src"]
        }
      ]
    }
  ]
}`

func newTestServer(t *testing.T, tokenHash string) (*Server, *supervisor.Supervisor, *persistence.Store) {
	t.Helper()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Defaults()
	cfg.Project = "demo"
	cfg.Routing = map[string]config.CategoryRoute{
		"codegen": {
			EscalateAfter: 2,
			Ladders: map[string][]config.ModelRef{
				"medium": {{Provider: config.ProviderOllama, Model: "qwen3:8b"}},
			},
		},
	}
	cfg.Providers = map[string]config.ProviderLimits{
		config.ProviderOllama: {ErrorRateThreshold: 0.5},
	}

	lim := limiter.New(cfg.Providers)
	t.Cleanup(lim.Close)

	sup := supervisor.New(supervisor.Options{
		Config:        cfg,
		Store:         store,
		Limiter:       lim,
		WorkspaceRoot: t.TempDir(),
		DataDir:       t.TempDir(),
		ClientFactory: func(config.ModelRef, config.ProviderLimits) (agent.Client, error) {
			return agent.NewMockClient("qwen3:8b"), nil
		},
	})

	return NewServer(config.APIConfig{Addr: "127.0.0.1:0", TokenHash: tokenHash}, sup, store), sup, store
}

func request(t *testing.T, srv *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndStatus(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec := request(t, srv, http.MethodPost, "/v1/runs", runPlan, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	runID := created["run_id"]
	require.NotEmpty(t, runID)

	rec = request(t, srv, http.MethodGet, "/v1/runs/"+runID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var run proto.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, proto.RunPending, run.State)
	require.Len(t, run.Tiers, 1)
	assert.Equal(t, proto.PhaseQueued, run.Tiers[0].Phases[0].State)
}

func TestUnknownRunIs404(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	rec := request(t, srv, http.MethodGet, "/v1/runs/run_missing", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Retryable)
}

func TestInvalidPlanRejected(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	rec := request(t, srv, http.MethodPost, "/v1/runs", `{"project": "demo", "tiers": []}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAbortEndpoint(t *testing.T) {
	srv, sup, _ := newTestServer(t, "")
	rec := request(t, srv, http.MethodPost, "/v1/runs", runPlan, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = request(t, srv, http.MethodPost, "/v1/runs/"+created["run_id"]+"/abort", "", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	run, err := sup.RunStatus(created["run_id"])
	require.NoError(t, err)
	assert.True(t, run.AbortRequested)
}

func TestGovernanceResolutionEndpoint(t *testing.T) {
	srv, sup, _ := newTestServer(t, "")
	req, err := sup.Negotiator().Raise("run-1", "phase-1", []string{"deploy/prod.yaml"}, "")
	require.NoError(t, err)

	rec := request(t, srv, http.MethodGet, "/v1/runs/run-1/governance", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), req.ID)

	rec = request(t, srv, http.MethodPost, "/v1/governance/"+req.ID+"/resolve",
		`{"approve": true, "approver": "alice"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resolved proto.GovernanceRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, proto.GovernanceApproved, resolved.Status)
}

func TestResolveRequiresApprover(t *testing.T) {
	srv, sup, _ := newTestServer(t, "")
	req, err := sup.Negotiator().Raise("run-1", "phase-1", []string{"deploy/prod.yaml"}, "")
	require.NoError(t, err)

	rec := request(t, srv, http.MethodPost, "/v1/governance/"+req.ID+"/resolve", `{"approve": true}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPhaseReviewEndpoint(t *testing.T) {
	srv, _, store := newTestServer(t, "")

	rec := request(t, srv, http.MethodPost, "/v1/runs", runPlan, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	run, err := store.LoadRun(created["run_id"])
	require.NoError(t, err)
	phase := run.Tiers[0].Phases[0]
	phase.State = proto.PhaseNeedsReview
	require.NoError(t, store.SavePhase(phase))

	rec = request(t, srv, http.MethodPost,
		"/v1/runs/"+run.ID+"/phases/"+phase.ID+"/review", `{"approve": true}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resolved proto.Phase
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, proto.PhaseComplete, resolved.State)

	// A second resolution of the same phase is rejected.
	rec = request(t, srv, http.MethodPost,
		"/v1/runs/"+run.ID+"/phases/"+phase.ID+"/review", `{"approve": false}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-token"), bcrypt.MinCost)
	require.NoError(t, err)
	srv, _, _ := newTestServer(t, string(hash))

	rec := request(t, srv, http.MethodGet, "/v1/runs/run_x", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = request(t, srv, http.MethodGet, "/v1/runs/run_x", "", "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = request(t, srv, http.MethodGet, "/v1/runs/run_x", "", "secret-token")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Health stays open for probes.
	rec = request(t, srv, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUsageEndpointRequiresPrometheus(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	rec := request(t, srv, http.MethodGet, "/v1/runs/run-1/usage", "", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestLogsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	rec := request(t, srv, http.MethodGet, "/v1/logs?component=api", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "entries")
}
