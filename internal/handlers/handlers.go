// Package handlers provides the HTTP surface: the FlareSolverr-compatible
// v1 endpoint plus the index, health, stats, and balance endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moatless/drawbridge/internal/assets"
	"github.com/moatless/drawbridge/internal/config"
	"github.com/moatless/drawbridge/internal/metrics"
	"github.com/moatless/drawbridge/internal/scrappey"
	"github.com/moatless/drawbridge/internal/security"
	"github.com/moatless/drawbridge/internal/stats"
	"github.com/moatless/drawbridge/internal/types"
	"github.com/moatless/drawbridge/pkg/version"
)

// indexUserAgent is what the index endpoint reports instead of the real
// spoofed user agent. The value is part of the compatibility surface.
const indexUserAgent = "That's a secret :)"

// Navigator resolves request.get commands through the browser.
type Navigator interface {
	Get(ctx context.Context, req types.NavigationRequest) (*types.NavigationResult, error)
}

// Solver is the external solver surface the handlers use directly:
// request.post bypasses the browser, and /balance proxies the account query.
type Solver interface {
	SolvePost(ctx context.Context, req scrappey.SolveRequest) (*scrappey.SolveResult, error)
	Balance(ctx context.Context) (int64, error)
}

// Handler handles all API requests.
type Handler struct {
	cfg     *config.Config
	nav     Navigator
	solver  Solver
	stats   *stats.Manager
	started time.Time
}

// New creates a new Handler.
func New(cfg *config.Config, nav Navigator, solver Solver, statsMgr *stats.Manager) *Handler {
	return &Handler{
		cfg:     cfg,
		nav:     nav,
		solver:  solver,
		stats:   statsMgr,
		started: time.Now(),
	}
}

// ServeHTTP routes incoming requests (implements http.Handler).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	switch r.URL.Path {
	case "/":
		if r.Method != http.MethodGet {
			h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", startTime)
			return
		}
		h.handleIndex(w, r)
	case "/health":
		if r.Method != http.MethodGet {
			h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", startTime)
			return
		}
		h.handleHealth(w)
	case "/v1":
		if r.Method != http.MethodPost {
			h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", startTime)
			return
		}
		h.handleV1(w, r, startTime)
	case "/stats":
		if r.Method != http.MethodGet {
			h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", startTime)
			return
		}
		h.handleStats(w)
	case "/balance":
		if r.Method != http.MethodGet {
			h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", startTime)
			return
		}
		h.handleBalance(w, r, startTime)
	default:
		h.writeErrorWithStatus(w, http.StatusNotFound, "Not found", startTime)
	}
}

// handleV1 parses the request body and dispatches the command.
func (h *Handler) handleV1(w http.ResponseWriter, r *http.Request, startTime time.Time) {
	// Cap the body size; page HTML flows out, not in
	const maxBodySize = 1 << 20 // 1MB
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Warn().Err(err).Msg("Failed to read request body")
		metrics.RecordRequest("invalid", types.StatusError, time.Since(startTime))
		h.writeError(w, "Failed to read request", startTime)
		return
	}

	var req types.Request
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request")
		metrics.RecordRequest("invalid", types.StatusError, time.Since(startTime))
		h.writeError(w, "Invalid JSON request", startTime)
		return
	}

	log.Info().
		Str("cmd", req.Cmd).
		Str("url", security.RedactURL(req.URL)).
		Int("max_timeout", req.MaxTimeout).
		Msg("Request received")

	h.routeCommand(w, r, &req, startTime)
}

// indexResponse is the JSON body of the index endpoint.
type indexResponse struct {
	Msg       string `json:"msg"`
	Version   string `json:"version"`
	UserAgent string `json:"userAgent"`
}

// handleIndex serves the service index: JSON for API clients, the embedded
// HTML page when a browser asks for it.
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		page, err := assets.RenderIndexPage(assets.IndexPageData{
			Version:   version.Full(),
			GoVersion: version.GoVersion(),
			Uptime:    time.Since(h.started).Round(time.Second).String(),
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to render index page")
			h.writeErrorWithStatus(w, http.StatusInternalServerError, "Failed to render index page", time.Now())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
		return
	}

	h.writeJSONResponse(w, http.StatusOK, indexResponse{
		Msg:       "FlareSolverr is ready!",
		Version:   version.Full(),
		UserAgent: indexUserAgent,
	})
}

// healthResponse is the JSON body of the health endpoint.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (h *Handler) handleHealth(w http.ResponseWriter) {
	h.writeJSONResponse(w, http.StatusOK, healthResponse{
		Status:  types.StatusOK,
		Version: version.Full(),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter) {
	if h.stats == nil {
		h.writeJSONResponse(w, http.StatusOK, stats.Snapshot{})
		return
	}
	h.writeJSONResponse(w, http.StatusOK, h.stats.Snapshot())
}

// balanceResponse is the JSON body of the balance endpoint.
type balanceResponse struct {
	Status  string `json:"status"`
	Balance int64  `json:"balance"`
}

// handleBalance proxies the solver's account balance query.
func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request, startTime time.Time) {
	balance, err := h.solver.Balance(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("Balance query failed")
		metrics.RecordSolverCall("balance", types.StatusError)
		h.writeErrorWithStatus(w, http.StatusBadGateway, "Error: "+err.Error(), startTime)
		return
	}

	metrics.RecordSolverCall("balance", types.StatusOK)
	h.writeJSONResponse(w, http.StatusOK, balanceResponse{
		Status:  types.StatusOK,
		Balance: balance,
	})
}

// writeSolved writes the success envelope for a resolved command.
func (h *Handler) writeSolved(w http.ResponseWriter, command string, sol *types.Solution, startTime time.Time) {
	metrics.RecordRequest(command, types.StatusOK, time.Since(startTime))

	resp := types.Response{
		Status:    types.StatusOK,
		Message:   "Challenge solved!",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Solution:  sol,
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// writeCommandError records the failed command and writes the error
// envelope. The "Error: " prefix is part of the compatibility surface.
func (h *Handler) writeCommandError(w http.ResponseWriter, command, message string, startTime time.Time) {
	metrics.RecordRequest(metricCommand(command), types.StatusError, time.Since(startTime))
	h.writeError(w, "Error: "+message, startTime)
}

// metricCommand collapses unknown commands to one label so clients cannot
// mint unbounded metric label values.
func metricCommand(command string) string {
	switch command {
	case types.CmdRequestGet, types.CmdRequestPost,
		types.CmdSessionsCreate, types.CmdSessionsList, types.CmdSessionsDestroy:
		return command
	default:
		return "invalid"
	}
}

// writeError writes an error envelope with HTTP 200. Compatible clients
// read the status field, not the HTTP status code.
func (h *Handler) writeError(w http.ResponseWriter, message string, startTime time.Time) {
	h.writeErrorWithStatus(w, http.StatusOK, message, startTime)
}

// writeErrorWithStatus writes an error envelope with a specific HTTP
// status code. Used outside the v1 command surface.
func (h *Handler) writeErrorWithStatus(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	resp := types.Response{
		Status:    types.StatusError,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	h.writeJSONResponse(w, statusCode, resp)
}

// writeJSONResponse buffers the JSON before writing so encoding errors are
// caught before any header is sent.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	_, _ = w.Write(buf.Bytes())
}
