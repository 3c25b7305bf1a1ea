package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modulant/internal/logger"
	"modulant/internal/session"
	"modulant/pkg/model"
)

// Server 管理接口，暴露会话状态、路由、请求指标与 Prometheus 指标
type Server struct {
	sessions *session.Manager
	gatherer prometheus.Gatherer
	log      logger.Logger
	router   *mux.Router
}

// New 创建管理接口，gatherer 为空时不注册 /metrics
func New(sessions *session.Manager, gatherer prometheus.Gatherer, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Server{sessions: sessions, gatherer: gatherer, log: l, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/sessions").Subrouter()
	api.HandleFunc("", s.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/{id}", s.deleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/{id}/status", s.status).Methods(http.MethodGet)
	api.HandleFunc("/{id}/metrics/requests", s.listMetrics).Methods(http.MethodGet)
	api.HandleFunc("/{id}/metrics/requests", s.clearMetrics).Methods(http.MethodDelete)
	api.HandleFunc("/{id}/metrics/requests/{rid}", s.clearMetrics).Methods(http.MethodDelete)
	api.HandleFunc("/{id}/routes", s.listRoutes).Methods(http.MethodGet)
	api.HandleFunc("/{id}/routes", s.addRoute).Methods(http.MethodPost)
	api.HandleFunc("/{id}/test-event", s.testEvent).Methods(http.MethodPost)
}

// ServeHTTP 实现 http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe 监听直到 ctx 结束，随后优雅关闭
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("管理接口已启动", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type sessionView struct {
	ID        model.SessionID `json:"id"`
	Target    model.TargetID  `json:"target,omitempty"`
	Active    bool            `json:"active"`
	Routes    int             `json:"routes"`
	CreatedAt time.Time       `json:"createdAt"`
}

func viewOf(sess *session.Session) sessionView {
	return sessionView{
		ID:        sess.ID,
		Target:    sess.Target,
		Active:    sess.Service.IsActive(),
		Routes:    len(sess.Service.Routes()),
		CreatedAt: sess.CreatedAt,
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.List()
	out := make([]sessionView, 0, len(list))
	for _, sess := range list {
		out = append(out, viewOf(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := model.SessionID(mux.Vars(r)["id"])
	if err := s.sessions.Delete(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.log.Err(err, "关闭会话出错", "sessionID", string(id))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) listMetrics(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	metrics := sess.Service.GetRequestMetrics(r.Context())
	if metrics == nil {
		metrics = []model.Metric{}
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) clearMetrics(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var id model.RequestID
	if raw, ok := mux.Vars(r)["rid"]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid request id"))
			return
		}
		id = model.RequestID(n)
	}
	sess.Service.ClearMetrics(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	routes := sess.Service.Routes()
	if routes == nil {
		routes = []model.Route{}
	}
	writeJSON(w, http.StatusOK, routes)
}

// routeRequest 完整路由，或 pattern/target 简写
type routeRequest struct {
	model.Route
	Pattern string `json:"pattern,omitempty"`
	Target  string `json:"target,omitempty"`
}

func (s *Server) addRoute(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var (
		route model.Route
		err   error
	)
	if req.Pattern != "" {
		route, err = sess.Service.AddPattern(req.Pattern, req.Target)
	} else {
		route, err = sess.Service.AddRoute(req.Route)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, route)
}

func (s *Server) testEvent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := sess.Service.SendTestEvent(); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.sessions.Get(model.SessionID(mux.Vars(r)["id"]))
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNotFound)
		return nil, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]any{"error": err.Error()}
	var me *model.Error
	if errors.As(err, &me) {
		body["code"] = me.Code
		body["error"] = me.Message
		if len(me.Context) > 0 {
			body["context"] = me.Context
		}
	}
	writeJSON(w, status, body)
}
