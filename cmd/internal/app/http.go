package app

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Purna998/studverse-chatapplication/cmd/internal/chatapi"
	"github.com/Purna998/studverse-chatapplication/cmd/internal/presence"
	"github.com/Purna998/studverse-chatapplication/cmd/internal/realtime"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	ws *realtime.WSGateway,
	groupWS *realtime.GroupWSGateway,
	chat *chatapi.Handler,
	presenceAPI *presence.Handler,
	metricsHandler http.Handler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	if chat != nil {
		chat.Register(mux)
	}
	if presenceAPI != nil {
		presenceAPI.Register(mux)
	}

	mux.HandleFunc("/ws/chat", ws.HandleWS)
	mux.HandleFunc("/ws/group/{id}", groupWS.HandleWS)
}
