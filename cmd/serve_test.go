package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bellwether-tech/rfi-cli/internal/model"
	"github.com/bellwether-tech/rfi-cli/internal/pipeline"
	"github.com/bellwether-tech/rfi-cli/internal/store"
)

type stubCoordinator struct {
	mu        sync.Mutex
	executed  []pipeline.Params
	retryErr  error
	retryHint string
	answer    *model.FinalAnswer
}

func (s *stubCoordinator) Execute(_ context.Context, params pipeline.Params) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, params)
	return &model.Run{ID: params.RunID, Status: model.RunStatusCompleted}, nil
}

func (s *stubCoordinator) RetryField(_ context.Context, _, _ string, _ []model.SourceUnit, hint string) (*model.FinalAnswer, error) {
	s.mu.Lock()
	s.retryHint = hint
	s.mu.Unlock()
	if s.retryErr != nil {
		return nil, s.retryErr
	}
	return s.answer, nil
}

func (s *stubCoordinator) PatchAnswer(_ context.Context, _, fieldKey, value string) (*model.FinalAnswer, error) {
	return &model.FinalAnswer{FieldKey: fieldKey, Answer: model.StringPtr(value), Source: pipeline.ManualSource}, nil
}

func newTestAPI(t *testing.T, coord coordinator) (*apiServer, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	return &apiServer{
		env:     &extractEnv{Registry: testRegistry()},
		coord:   coord,
		store:   st,
		baseCtx: context.Background(),
	}, st
}

func TestServe_Health(t *testing.T) {
	api, _ := newTestAPI(t, &stubCoordinator{})
	rec := httptest.NewRecorder()
	api.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServe_CreateRun(t *testing.T) {
	coord := &stubCoordinator{}
	api, _ := newTestAPI(t, coord)

	body := `{"text": "the client runs 12 servers", "skip_crm": true}`
	rec := httptest.NewRecorder()
	api.router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["run_id"])
	assert.Equal(t, "pending", resp["status"])

	// The extraction runs in the background with the returned ID.
	require.Eventually(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return len(coord.executed) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, resp["run_id"], coord.executed[0].RunID)
	require.Len(t, coord.executed[0].Units, 1)
	assert.Equal(t, model.SourcePasted, coord.executed[0].Units[0].Kind)
}

func TestServe_CreateRunValidation(t *testing.T) {
	api, _ := newTestAPI(t, &stubCoordinator{})

	rec := httptest.NewRecorder()
	api.router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	api.router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServe_GetRun(t *testing.T) {
	api, st := newTestAPI(t, &stubCoordinator{})
	run := &model.Run{ID: "run-1", DealID: "deal-1", Status: model.RunStatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateRun(context.Background(), run))

	rec := httptest.NewRecorder()
	api.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/run-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "deal-1", got.DealID)

	rec = httptest.NewRecorder()
	api.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_ListRuns(t *testing.T) {
	api, st := newTestAPI(t, &stubCoordinator{})
	require.NoError(t, st.CreateRun(context.Background(), &model.Run{
		ID: "run-1", DealID: "deal-1", Status: model.RunStatusPending, CreatedAt: time.Now().UTC(),
	}))

	rec := httptest.NewRecorder()
	api.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs?deal_id=deal-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Runs []model.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 1)
}

func TestServe_RetryField(t *testing.T) {
	coord := &stubCoordinator{answer: &model.FinalAnswer{
		FieldKey:   "server_count",
		Answer:     model.StringPtr("12"),
		Confidence: model.ConfidenceMedium,
	}}
	api, _ := newTestAPI(t, coord)

	rec := httptest.NewRecorder()
	api.router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs/run-1/fields/server_count/retry", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.FinalAnswer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "12", *got.Answer)
	assert.Empty(t, coord.retryHint)

	// A body may carry extra guidance for the focused pass.
	rec = httptest.NewRecorder()
	body := strings.NewReader(`{"hint": "they call servers boxes"}`)
	api.router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs/run-1/fields/server_count/retry", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "they call servers boxes", coord.retryHint)

	coord.retryErr = eris.New("field signed_date is manual-only")
	rec = httptest.NewRecorder()
	api.router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs/run-1/fields/signed_date/retry", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServe_PatchAnswer(t *testing.T) {
	api, _ := newTestAPI(t, &stubCoordinator{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/runs/run-1/fields/signed_date", strings.NewReader(`{"value": "2026-03-01"}`))
	api.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.FinalAnswer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "2026-03-01", *got.Answer)
	assert.Equal(t, pipeline.ManualSource, got.Source)
}

func TestServe_ExportRequiresCompletedRun(t *testing.T) {
	api, st := newTestAPI(t, &stubCoordinator{})
	require.NoError(t, st.CreateRun(context.Background(), &model.Run{
		ID: "run-1", DealID: "deal-1", Status: model.RunStatusPending, CreatedAt: time.Now().UTC(),
	}))

	rec := httptest.NewRecorder()
	api.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/run-1/export", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServe_ExportCompletedRun(t *testing.T) {
	api, st := newTestAPI(t, &stubCoordinator{})
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, &model.Run{
		ID: "run-1", DealID: "deal-1", Status: model.RunStatusPending, CreatedAt: time.Now().UTC(),
	}))
	answers := model.AnswerSet{
		"server_count": {
			FieldKey: "server_count", Question: "How many servers?",
			Answer: model.StringPtr("12"), Confidence: model.ConfidenceHigh, Row: 1,
		},
	}
	require.NoError(t, st.CompleteRun(ctx, "run-1", answers, answers.Stats()))

	rec := httptest.NewRecorder()
	api.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/run-1/export", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "rfi-run-1.xlsx")
	assert.NotEmpty(t, rec.Body.Bytes())
}
