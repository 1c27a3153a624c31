package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/nhie-backend/internal/engine"
	"github.com/DoyleJ11/nhie-backend/internal/hub"
	"github.com/DoyleJ11/nhie-backend/internal/presence"
	"github.com/DoyleJ11/nhie-backend/internal/ws"
)

type Deps struct {
	Engine         *engine.Engine
	Presence       *presence.Coordinator
	Hub            *hub.Hub
	Logger         *zap.Logger
	OriginPatterns []string
}

func SetupRoutes(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &api{engine: d.Engine, presence: d.Presence, hub: d.Hub, logger: logger.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.logger))

	// Public routes
	r.Get("/healthz", a.healthz)
	r.Get("/ws", ws.Handler(ws.Deps{
		Hub:            d.Hub,
		Engine:         d.Engine,
		Presence:       d.Presence,
		Logger:         logger,
		OriginPatterns: d.OriginPatterns,
	}))

	r.Route("/lobbies", func(r chi.Router) {
		r.Post("/", a.createLobby)
		r.Route("/{lobbyID}", func(r chi.Router) {
			r.Get("/", a.getLobby)
			r.Post("/join", a.joinLobby)
			r.Post("/start", a.startGame)
			r.Post("/leave", a.leaveLobby)
		})
	})
	r.Route("/rounds/{roundID}", func(r chi.Router) {
		r.Post("/answers", a.answer)
		r.Post("/advance", a.advance)
	})
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
