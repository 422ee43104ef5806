package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bellwether-tech/rfi-cli/internal/export"
	"github.com/bellwether-tech/rfi-cli/internal/model"
	"github.com/bellwether-tech/rfi-cli/internal/pipeline"
	"github.com/bellwether-tech/rfi-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the RFI autofill HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		api := &apiServer{env: env, coord: env.Coordinator, store: env.Store, baseCtx: ctx}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.router(),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// coordinator is the surface of pipeline.Coordinator the API uses.
type coordinator interface {
	Execute(ctx context.Context, params pipeline.Params) (*model.Run, error)
	RetryField(ctx context.Context, runID, fieldKey string, units []model.SourceUnit, hint string) (*model.FinalAnswer, error)
	PatchAnswer(ctx context.Context, runID, fieldKey, value string) (*model.FinalAnswer, error)
}

type apiServer struct {
	env   *extractEnv
	coord coordinator
	store store.Store

	// baseCtx outlives individual requests; background extractions run
	// under it so a client disconnect does not cancel them.
	baseCtx context.Context
}

func (s *apiServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/runs", s.createRun)
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{runID}", s.getRun)
		r.Get("/runs/{runID}/export", s.exportRun)
		r.Post("/runs/{runID}/fields/{fieldKey}/retry", s.retryField)
		r.Put("/runs/{runID}/fields/{fieldKey}", s.patchAnswer)
	})

	return r
}

type createRunRequest struct {
	DealID        string   `json:"deal_id"`
	TranscriptIDs []string `json:"transcript_ids"`
	Text          string   `json:"text"`
	BaselineRunID string   `json:"baseline_run_id"`
	SkipCRM       bool     `json:"skip_crm"`
}

// createRun starts an extraction in the background and returns the run
// ID immediately.
func (s *apiServer) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DealID == "" && req.Text == "" && len(req.TranscriptIDs) == 0 {
		writeError(w, http.StatusBadRequest, "deal_id, transcript_ids, or text is required")
		return
	}

	params, err := buildParams(r.Context(), s.env, extractInput{
		DealID:        req.DealID,
		TranscriptIDs: req.TranscriptIDs,
		PastedText:    req.Text,
		BaselineRunID: req.BaselineRunID,
		SkipCRM:       req.SkipCRM,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	params.RunID = uuid.New().String()

	go func() {
		if _, err := s.coord.Execute(s.baseCtx, *params); err != nil {
			zap.L().Error("background extraction failed",
				zap.String("run_id", params.RunID),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": params.RunID,
		"status": string(model.RunStatusPending),
	})
}

func (s *apiServer) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Status: model.RunStatus(r.URL.Query().Get("status")),
		DealID: r.URL.Query().Get("deal_id"),
		Limit:  50,
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *apiServer) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *apiServer) exportRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if run.Status != model.RunStatusCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("run is %s, not completed", run.Status))
		return
	}

	path := filepath.Join(os.TempDir(), fmt.Sprintf("rfi-%s.xlsx", run.ID))
	if err := export.WriteWorkbook(run, path); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer os.Remove(path)

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=rfi-%s.xlsx", truncateID(run.ID)))
	http.ServeFile(w, r, path)
}

func (s *apiServer) retryField(w http.ResponseWriter, r *http.Request) {
	// The body is optional; when present it may carry extra guidance
	// for the focused pass.
	var req struct {
		Hint string `json:"hint"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	answer, err := s.coord.RetryField(r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "fieldKey"), nil, req.Hint)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *apiServer) patchAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	answer, err := s.coord.PatchAnswer(r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "fieldKey"), req.Value)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
