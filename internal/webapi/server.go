// Package webapi serves the portrait pipeline over JSON HTTP.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"dnd-ai-helper/internal/fantasy"
	"dnd-ai-helper/internal/pipeline"
)

const DefaultMaxBodyBytes = 25 << 20

// kindInvalidRequest tags failures rejected before the pipeline runs.
const kindInvalidRequest pipeline.ErrorKind = "invalid_request"

type Generator interface {
	Generate(ctx context.Context, req pipeline.Request) pipeline.Result
	Regenerate(ctx context.Context, image, race, region string) pipeline.Result
}

type Options struct {
	Generator Generator
	Logger    *slog.Logger
	// Timeout bounds one generation; zero means no extra deadline.
	Timeout      time.Duration
	MaxBodyBytes int64
}

type Server struct {
	gen          Generator
	logger       *slog.Logger
	timeout      time.Duration
	maxBodyBytes int64
}

type apiError struct {
	Error string `json:"error"`
}

type catalogResponse struct {
	Races   []fantasy.NamedOption `json:"races"`
	Regions []fantasy.NamedOption `json:"regions"`
}

type quoteResponse struct {
	Quote string `json:"quote"`
}

func New(opts Options) (*Server, error) {
	if opts.Generator == nil {
		return nil, errors.New("webapi: generator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	return &Server{
		gen:          opts.Generator,
		logger:       logger,
		timeout:      opts.Timeout,
		maxBodyBytes: maxBody,
	}, nil
}

// Handler returns the routed API wrapped in request-id and access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", s.handleGenerate)
	mux.HandleFunc("/api/regenerate", s.handleRegenerate)
	mux.HandleFunc("/api/catalog", s.handleCatalog)
	mux.HandleFunc("/api/quote", s.handleQuote)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return withRequestID(withLogging(mux, s.logger))
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.serveGeneration(w, r, false)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	s.serveGeneration(w, r, true)
}

func (s *Server) serveGeneration(w http.ResponseWriter, r *http.Request, regenerate bool) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}

	req, status, err := s.decodeRequest(w, r)
	if err != nil {
		writeJSON(w, status, pipeline.Result{Reason: err.Error(), Kind: kindInvalidRequest})
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var res pipeline.Result
	if regenerate {
		res = s.gen.Regenerate(ctx, req.Image, req.Race, req.Region)
	} else {
		res = s.gen.Generate(ctx, req)
	}

	if !res.Success {
		loggerFrom(r.Context(), s.logger).Warn("generation failed",
			"race", req.Race, "region", req.Region, "kind", string(res.Kind), "reason", res.Reason)
	}
	writeJSON(w, statusFor(res), res)
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (pipeline.Request, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, http.StatusRequestEntityTooLarge, errors.New("request body is too large")
		}
		return req, http.StatusBadRequest, errors.New("invalid JSON body")
	}

	if req.Image == "" {
		return req, http.StatusBadRequest, errors.New("image is required")
	}
	race, ok := fantasy.LookupRace(req.Race)
	if !ok {
		return req, http.StatusBadRequest, errors.New("unknown or missing race")
	}
	region, ok := fantasy.LookupRegion(req.Region)
	if !ok {
		return req, http.StatusBadRequest, errors.New("unknown or missing region")
	}
	req.Race = race.Key
	req.Region = region.Key
	return req, http.StatusOK, nil
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, catalogResponse{Races: fantasy.Races(), Regions: fantasy.Regions()})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{Quote: fantasy.Quote(nil)})
}

func statusFor(res pipeline.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Kind {
	case pipeline.KindRemote:
		return http.StatusBadGateway
	case pipeline.KindDecode:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
