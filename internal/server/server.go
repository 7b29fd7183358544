// Package server exposes the query surface and the pipeline trigger over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/parcelmap/parcelmap-go/internal/ledger"
	"github.com/parcelmap/parcelmap-go/internal/metrics"
	"github.com/parcelmap/parcelmap-go/internal/models"
	"github.com/parcelmap/parcelmap-go/internal/pipeline"
	"github.com/parcelmap/parcelmap-go/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// maxPolygonIDs bounds one polygon lookup request.
const maxPolygonIDs = 5000

// RunInfo is the slice of the run ledger the API reads.
type RunInfo interface {
	Latest(ctx context.Context) (*models.RunLedger, error)
}

// Trigger starts pipeline runs.
type Trigger interface {
	Launch(ctx context.Context, opts pipeline.Options) (string, error)
}

// Server is the HTTP API.
type Server struct {
	store    storage.Store
	ledger   RunInfo
	pipeline Trigger
	secret   string
	logger   *logrus.Logger
	http     *http.Server
}

// New builds the server and its routes.
func New(addr string, store storage.Store, led RunInfo, pipe Trigger,
	secret string, logger *logrus.Logger) *Server {

	s := &Server{
		store:    store,
		ledger:   led,
		pipeline: pipe,
		secret:   secret,
		logger:   logger,
	}

	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/health", s.handleHealth)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.HandlerFunc(http.MethodGet, "/boundaries", s.guard("boundaries", s.handleBoundaries))
	router.HandlerFunc(http.MethodPost, "/polygons", s.guard("polygons", s.handlePolygons))
	router.HandlerFunc(http.MethodGet, "/search", s.guard("search", s.handleSearch))
	router.HandlerFunc(http.MethodGet, "/run-pipeline", s.guard("run-pipeline", s.handleRunPipeline))
	router.HandlerFunc(http.MethodGet, "/runs/latest", s.guard("runs-latest", s.handleLatestRun))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logrus.Fields{"addr": s.http.Addr}).Info("API listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// guard enforces the shared secret and counts the request.
func (s *Server) guard(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("secret") != s.secret {
			metrics.HTTPRequests.WithLabelValues(route, "401").Inc()
			s.writeError(w, http.StatusUnauthorized, "invalid secret")
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleBoundaries serves accepted boundaries inside a bounding box, joined
// to their titles. The privileged flag additionally returns this month's
// pending rows, which only the review tooling should see.
func (s *Server) handleBoundaries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	box, err := parseBBox(q)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acceptedOnly := q.Get("privileged") != "true"

	rows, err := s.store.BoundariesInBBox(r.Context(), box, q.Get("ownerType"), acceptedOnly)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"error": err.Error()}).Error("Boundary query failed")
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"boundaries": rows})
}

type polygonsRequest struct {
	IDs []int64 `json:"ids"`
	// SearchArea optionally restricts results to polygons intersecting this
	// GeoJSON geometry.
	SearchArea        string `json:"searchArea,omitempty"`
	IncludeLeaseholds bool   `json:"includeLeaseholds,omitempty"`
}

func (s *Server) handlePolygons(w http.ResponseWriter, r *http.Request) {
	var req polygonsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 && req.SearchArea == "" {
		s.writeError(w, http.StatusBadRequest, "ids or searchArea is required")
		return
	}
	if len(req.IDs) > maxPolygonIDs {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d ids per request", maxPolygonIDs))
		return
	}

	rows, err := s.store.PolygonsByIDs(r.Context(), req.IDs, req.SearchArea, req.IncludeLeaseholds)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"error": err.Error()}).Error("Polygon lookup failed")
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"polygons": rows})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("proprietor")
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "proprietor is required")
		return
	}
	rows, err := s.store.SearchByProprietor(r.Context(), name)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"error": err.Error()}).Error("Proprietor search failed")
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": rows})
}

// handleRunPipeline starts a run in the background and returns its key.
func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	opts, err := pipeline.ParseOptions(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runKey, err := s.pipeline.Launch(r.Context(), opts)
	if err != nil {
		if errors.Is(err, ledger.ErrRunInProgress) {
			s.writeError(w, http.StatusConflict, "a run is already in progress")
			return
		}
		s.logger.WithFields(logrus.Fields{"error": err.Error()}).Error("Run launch failed")
		s.writeError(w, http.StatusInternalServerError, "could not start run")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run": runKey})
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ledger.Latest(r.Context())
	if err != nil {
		if errors.Is(err, ledger.ErrNoRun) {
			s.writeError(w, http.StatusNotFound, "no runs recorded")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":       run.UniqueKey,
		"running":   run.Running(),
		"startedAt": run.StartedAt,
		"lastTask":  run.LastTask.String,
	})
}

func parseBBox(q map[string][]string) (storage.BBox, error) {
	get := func(key string) (float64, error) {
		vals := q[key]
		if len(vals) == 0 || vals[0] == "" {
			return 0, fmt.Errorf("%s is required", key)
		}
		return strconv.ParseFloat(vals[0], 64)
	}
	var box storage.BBox
	var err error
	if box.SWLng, err = get("swLng"); err != nil {
		return box, err
	}
	if box.SWLat, err = get("swLat"); err != nil {
		return box, err
	}
	if box.NELng, err = get("neLng"); err != nil {
		return box, err
	}
	if box.NELat, err = get("neLat"); err != nil {
		return box, err
	}
	if box.SWLng >= box.NELng || box.SWLat >= box.NELat {
		return box, fmt.Errorf("bounding box is inverted or empty")
	}
	return box, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithFields(logrus.Fields{"error": err.Error()}).Error("Response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
