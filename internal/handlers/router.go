package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moatless/drawbridge/internal/metrics"
	"github.com/moatless/drawbridge/internal/scrappey"
	"github.com/moatless/drawbridge/internal/security"
	"github.com/moatless/drawbridge/internal/stats"
	"github.com/moatless/drawbridge/internal/types"
	"github.com/moatless/drawbridge/pkg/version"
)

// routeCommand dispatches a v1 API command. The error message strings are
// part of the compatibility surface and must not be reworded.
func (h *Handler) routeCommand(w http.ResponseWriter, r *http.Request, req *types.Request, startTime time.Time) {
	if req.Cmd == "" {
		h.writeCommandError(w, req.Cmd, "Request parameter 'cmd' is mandatory.", startTime)
		return
	}

	if len(req.Headers) > 0 {
		log.Warn().Msg("Request parameter 'headers' was removed in FlareSolverr v2.")
	}
	if req.UserAgent != "" {
		log.Warn().Msg("Request parameter 'userAgent' was removed in FlareSolverr v2.")
	}

	switch req.Cmd {
	case types.CmdRequestGet:
		h.handleRequestGet(w, r.Context(), req, startTime)
	case types.CmdRequestPost:
		h.handleRequestPost(w, r.Context(), req, startTime)
	case types.CmdSessionsCreate, types.CmdSessionsList, types.CmdSessionsDestroy:
		h.writeCommandError(w, req.Cmd, "Sessions are not implemented in this version.", startTime)
	default:
		h.writeCommandError(w, req.Cmd, fmt.Sprintf("Request parameter 'cmd' = '%s' is invalid.", req.Cmd), startTime)
	}
}

// handleRequestGet resolves a GET through the browser, with the navigator
// deciding whether the external solver gets involved.
func (h *Handler) handleRequestGet(w http.ResponseWriter, ctx context.Context, req *types.Request, startTime time.Time) {
	if req.URL == "" {
		h.writeCommandError(w, req.Cmd, "Request parameter 'url' is mandatory in 'request.get' command.", startTime)
		return
	}
	if req.PostData != "" {
		h.writeCommandError(w, req.Cmd, "Cannot use 'postData' when sending a GET request.", startTime)
		return
	}
	h.warnRemovedParams(req)

	if !h.validateTarget(w, req, startTime) {
		return
	}

	result, err := h.nav.Get(ctx, types.NavigationRequest{
		URL:               req.URL,
		MaxTimeoutMs:      req.MaxTimeout,
		ReturnOnlyCookies: req.ReturnOnlyCookies,
	})
	if err != nil {
		log.Error().Err(err).Str("url", security.RedactURL(req.URL)).Msg("Navigation failed")
		h.writeCommandError(w, req.Cmd, "Error solving the challenge: "+err.Error(), startTime)
		return
	}

	body := result.Body
	if req.ReturnOnlyCookies {
		body = ""
	}

	h.writeSolved(w, req.Cmd, &types.Solution{
		URL:       result.FinalURL,
		Status:    result.Status,
		Headers:   ensureHeaders(result.Headers),
		Response:  body,
		Cookies:   types.SolutionCookies(result.Cookies),
		UserAgent: result.UserAgent,
	}, startTime)
}

// handleRequestPost sends the request through the external solver. The
// browser never performs POST navigations.
func (h *Handler) handleRequestPost(w http.ResponseWriter, ctx context.Context, req *types.Request, startTime time.Time) {
	if req.PostData == "" {
		h.writeCommandError(w, req.Cmd, "Request parameter 'postData' is mandatory in 'request.post' command.", startTime)
		return
	}
	if req.URL == "" {
		h.writeCommandError(w, req.Cmd, "Request parameter 'url' is mandatory in 'request.post' command.", startTime)
		return
	}
	h.warnRemovedParams(req)

	if !h.validateTarget(w, req, startTime) {
		return
	}

	timeoutMs := req.MaxTimeout
	if timeoutMs <= 0 {
		timeoutMs = types.DefaultMaxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	result, err := h.solver.SolvePost(ctx, scrappey.SolveRequest{
		URL:      req.URL,
		PostData: req.PostData,
		Proxy:    h.cfg.ProxyURL(),
	})
	if err != nil {
		log.Error().Err(err).Str("url", security.RedactURL(req.URL)).Msg("Solver POST failed")
		metrics.RecordSolverCall(types.CmdRequestPost, "error")
		if h.stats != nil {
			h.stats.RecordNavigation(req.URL, stats.OutcomeFailed, time.Since(startTime))
		}
		h.writeCommandError(w, req.Cmd, "Error solving the challenge: "+err.Error(), startTime)
		return
	}

	metrics.RecordSolverCall(types.CmdRequestPost, "ok")
	if h.stats != nil {
		h.stats.RecordNavigation(req.URL, stats.OutcomeSolver, time.Since(startTime))
	}

	sol := result.Solution

	finalURL := sol.CurrentURL
	if finalURL == "" {
		finalURL = req.URL
	}
	status := sol.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	userAgent := sol.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent
	}
	body := sol.Response
	if req.ReturnOnlyCookies {
		body = ""
	}

	h.writeSolved(w, req.Cmd, &types.Solution{
		URL:       finalURL,
		Status:    status,
		Headers:   ensureHeaders(sol.Headers()),
		Response:  body,
		Cookies:   types.SolutionCookies(scrappey.CanonicalCookies(sol.Cookies)),
		UserAgent: userAgent,
	}, startTime)
}

// warnRemovedParams logs the deprecated parameters that request.get and
// request.post still accept for wire compatibility.
func (h *Handler) warnRemovedParams(req *types.Request) {
	if req.ReturnRawHTML {
		log.Warn().Msg("Request parameter 'returnRawHtml' was removed in FlareSolverr v2.")
	}
	if req.Download {
		log.Warn().Msg("Request parameter 'download' was removed in FlareSolverr v2.")
	}
}

// validateTarget runs the hard request limits and the SSRF checks. It
// writes the error response itself and reports whether to proceed.
func (h *Handler) validateTarget(w http.ResponseWriter, req *types.Request, startTime time.Time) bool {
	if err := req.Validate(); err != nil {
		h.writeCommandError(w, req.Cmd, err.Error(), startTime)
		return false
	}

	if err := security.ValidateTargetURL(req.URL); err != nil {
		log.Warn().Err(err).Str("url", security.RedactURL(req.URL)).Msg("URL validation failed")
		h.writeCommandError(w, req.Cmd, "Invalid URL: "+err.Error(), startTime)
		return false
	}

	return true
}

// ensureHeaders keeps the solution's headers field present on the wire
// even when nothing was captured.
func ensureHeaders(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
