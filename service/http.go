package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/satlens/idgen"
	"github.com/hazyhaar/satlens/kit"
	"github.com/hazyhaar/satlens/observability"
)

// StatsSource serves the stored scan history.
type StatsSource interface {
	Summary(ctx context.Context, since time.Time) (observability.Summary, error)
	Recent(ctx context.Context, limit int) ([]observability.ScanRow, error)
}

// HandlerConfig configures the HTTP surface.
type HandlerConfig struct {
	TokenHash string
	MaxBody   int64
	RateLimit int         // requests per minute per client IP on /v1; 0 disables
	Stats     StatsSource // nil disables /v1/stats
	Logger    *slog.Logger
}

// Handler returns the chi router for svc.
func Handler(svc *Service, hc HandlerConfig) http.Handler {
	if hc.Logger == nil {
		hc.Logger = slog.Default()
	}
	if hc.MaxBody <= 0 {
		hc.MaxBody = 10 << 20
	}
	annotateEP := kit.Chain(kit.Recover(), kit.Logging(hc.Logger, "annotate"))(AnnotateEndpoint(svc))

	r := chi.NewRouter()
	r.Use(securityHeaders)
	r.Use(requestContext)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if hc.RateLimit > 0 {
			r.Use(newRateLimiter(hc.RateLimit, time.Minute).middleware)
		}
		r.Use(RequireToken(hc.TokenHash))

		r.Post("/v1/annotate", func(w http.ResponseWriter, r *http.Request) {
			var req Request
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, hc.MaxBody)).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			resp, err := annotateEP(r.Context(), &req)
			if err != nil {
				status := http.StatusBadGateway
				if errors.Is(err, ErrBadRequest) {
					status = http.StatusBadRequest
				}
				writeError(w, status, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})

		if hc.Stats != nil {
			r.Get("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
				var since time.Time
				if v := r.URL.Query().Get("since"); v != "" {
					d, err := time.ParseDuration(v)
					if err != nil {
						writeError(w, http.StatusBadRequest, err)
						return
					}
					since = time.Now().Add(-d)
				}
				sum, err := hc.Stats.Summary(r.Context(), since)
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
				recent, err := hc.Stats.Recent(r.Context(), limit)
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"summary": sum, "recent": recent})
			})
		}
	})
	return r
}

// AnnotateEndpoint adapts svc to the transport-neutral endpoint shape.
func AnnotateEndpoint(svc *Service) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		return svc.Annotate(ctx, req.(*Request))
	}
}

func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = idgen.New()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := kit.WithRequestID(r.Context(), id)
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
