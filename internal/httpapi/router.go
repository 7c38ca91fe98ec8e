package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterEpisodeRoutes 注册情节生命周期路由
func (r *Router) RegisterEpisodeRoutes(h *EpisodeHandler) {
	r.Handle("/api/v1/episodes/start", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "use POST")
			return
		}
		h.StartEpisode(w, req)
	})

	// /api/v1/episodes/{id}/resolve
	// /api/v1/episodes/user/{userId}
	r.Handle("/api/v1/episodes/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/v1/episodes/")
		switch {
		case strings.HasSuffix(rest, "/resolve") && req.Method == http.MethodPut:
			id := strings.TrimSuffix(rest, "/resolve")
			if id == "" || strings.Contains(id, "/") {
				writeError(w, http.StatusNotFound, ErrCodeEpisodeNotFound, "episode not found")
				return
			}
			h.ResolveEpisode(w, req, id)
		case strings.HasSuffix(rest, "/intervention/complete") && req.Method == http.MethodPost:
			id := strings.TrimSuffix(rest, "/intervention/complete")
			if id == "" || strings.Contains(id, "/") {
				writeError(w, http.StatusNotFound, ErrCodeEpisodeNotFound, "episode not found")
				return
			}
			h.CompleteIntervention(w, req, id)
		case strings.HasPrefix(rest, "user/") && req.Method == http.MethodGet:
			userID := strings.TrimPrefix(rest, "user/")
			if userID == "" || strings.Contains(userID, "/") {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			h.ListUserEpisodes(w, req, userID)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

// RegisterIngestRoutes 注册体征接入路由
func (r *Router) RegisterIngestRoutes(h *IngestHandler) {
	r.Handle("/api/v1/health_data/ingest", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "use POST")
			return
		}
		h.Ingest(w, req)
	})
}

// RegisterCommunityRoutes 注册社区风险路由
func (r *Router) RegisterCommunityRoutes(h *CommunityHandler) {
	r.Handle("/api/v1/community/summary", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "use GET")
			return
		}
		h.Summary(w, req)
	})

	r.Handle("/api/v1/community/pulse", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "use GET")
			return
		}
		h.Pulse(w, req)
	})

	// /api/v1/community/zones/{zoneId}/status
	r.Handle("/api/v1/community/zones/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "use GET")
			return
		}
		rest := strings.TrimPrefix(req.URL.Path, "/api/v1/community/zones/")
		zoneID := strings.TrimSuffix(rest, "/status")
		if zoneID == "" || zoneID == rest || strings.Contains(zoneID, "/") {
			writeError(w, http.StatusNotFound, ErrCodeZoneNotFound, "zone not found")
			return
		}
		h.ZoneStatus(w, req, zoneID)
	})
}

// RegisterAlertRoutes 注册报警路由
func (r *Router) RegisterAlertRoutes(h *AlertHandler) {
	r.Handle("/api/v1/alerts", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "use GET")
			return
		}
		h.ListAlerts(w, req)
	})

	r.Handle("/api/v1/alerts/active", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "use GET")
			return
		}
		h.ListActiveAlerts(w, req)
	})

	// /api/v1/alerts/{id}/resolve
	r.Handle("/api/v1/alerts/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/v1/alerts/")
		if rest == "active" {
			if req.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "use GET")
				return
			}
			h.ListActiveAlerts(w, req)
			return
		}
		if strings.HasSuffix(rest, "/resolve") && req.Method == http.MethodPost {
			id := strings.TrimSuffix(rest, "/resolve")
			if id == "" || strings.Contains(id, "/") {
				writeError(w, http.StatusNotFound, ErrCodeAlertNotFound, "alert not found")
				return
			}
			h.ResolveAlert(w, req, id)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
}

// RegisterSocketRoutes 注册 WebSocket 接入路由
func (r *Router) RegisterSocketRoutes(h *SocketHandler) {
	r.Handle("/api/v1/ws", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "use GET")
			return
		}
		h.Serve(w, req)
	})
}

// RegisterHealthRoutes 注册健康检查路由
func (r *Router) RegisterHealthRoutes() {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
