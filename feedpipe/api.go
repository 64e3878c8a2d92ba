package feedpipe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/feedpipe/kit"
)

type listFeedsRequest struct{}

type listFeedsResponse struct {
	Feeds []string `json:"feeds"`
}

type feedStatusRequest struct {
	Feed string `json:"feed"`
}

func (s *Service) listFeedsEndpoint() kit.Endpoint {
	ep := func(_ context.Context, _ any) (any, error) {
		names, err := s.List()
		if err != nil {
			return nil, err
		}
		if names == nil {
			names = []string{}
		}
		return &listFeedsResponse{Feeds: names}, nil
	}
	return kit.Chain(kit.Tracing(), kit.Logging(s.logger, "list_feeds"))(ep)
}

func (s *Service) feedStatusEndpoint() kit.Endpoint {
	ep := func(ctx context.Context, r any) (any, error) {
		req := r.(*feedStatusRequest)
		if req.Feed == "" {
			return s.StatusAll(ctx)
		}
		return s.Status(ctx, req.Feed)
	}
	return kit.Chain(kit.Tracing(), kit.Logging(s.logger, "feed_status"))(ep)
}

// Router returns the read-only HTTP API:
//
//	GET /health
//	GET /feeds
//	GET /feeds/status
//	GET /feeds/{name}/status
//	GET /metrics               (when metrics are enabled)
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	list := s.listFeedsEndpoint()
	status := s.feedStatusEndpoint()

	r.Route("/feeds", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			serve(w, r, list, &listFeedsRequest{})
		})
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			serve(w, r, status, &feedStatusRequest{})
		})
		r.Get("/{name}/status", func(w http.ResponseWriter, r *http.Request) {
			serve(w, r, status, &feedStatusRequest{Feed: chi.URLParam(r, "name")})
		})
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

func serve(w http.ResponseWriter, r *http.Request, ep kit.Endpoint, req any) {
	resp, err := ep(kit.WithTransport(r.Context(), "http"), req)
	if err != nil {
		writeError(w, statusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrFeedNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
