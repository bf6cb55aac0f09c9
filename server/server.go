// server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chhz0/allsky/crashlog"
	"github.com/chhz0/allsky/types"
)

// TaskReporter 由 core.Scheduler 实现
type TaskReporter interface {
	Tasks() []types.TaskSnapshot
	AllTasksStatus() string
	ActiveTasks() int
	HasCriticalFailures() bool
}

// LogReporter 由 crashlog.Logger 实现
type LogReporter interface {
	RecentLogs(maxBytes int) string
	RAMLogs() string
	RTCLogs() string
	NVSLogs() string
	SaveToNVS() error
	ClearAll() error
	BootCount() uint32
	WasLastBootCrash() bool
	State() crashlog.State
	Uptime() time.Duration
}

type Config struct {
	Addr   string
	Tasks  TaskReporter
	Logs   LogReporter
	Reboot func(reason string)
	Logger *slog.Logger
}

type Server struct {
	cfg        Config
	log        *slog.Logger
	httpServer *http.Server
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log.With("component", "server")}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.newRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start 阻塞直到服务关闭，正常关闭返回nil
func (s *Server) Start() error {
	s.log.Info("diagnostics server listening", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) newRouter() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("GET /tasks/text", s.handleTasksText)

	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("GET /logs/ram", s.textHandler(func() string { return s.cfg.Logs.RAMLogs() }))
	mux.HandleFunc("GET /logs/rtc", s.textHandler(func() string { return s.cfg.Logs.RTCLogs() }))
	mux.HandleFunc("GET /logs/nvs", s.textHandler(func() string { return s.cfg.Logs.NVSLogs() }))
	mux.HandleFunc("POST /logs/flush", s.handleFlush)
	mux.HandleFunc("POST /logs/clear", s.handleClear)

	mux.HandleFunc("POST /reboot", s.handleReboot)

	return mux
}

type healthResponse struct {
	Status        string `json:"status"`
	BootCount     uint32 `json:"boot_count"`
	LastBootCrash bool   `json:"last_boot_crash"`
	CrashLog      string `json:"crash_log"`
	UptimeMs      int64  `json:"uptime_ms"`
	ActiveTasks   int    `json:"active_tasks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		BootCount:     s.cfg.Logs.BootCount(),
		LastBootCrash: s.cfg.Logs.WasLastBootCrash(),
		CrashLog:      s.cfg.Logs.State().String(),
		UptimeMs:      s.cfg.Logs.Uptime().Milliseconds(),
		ActiveTasks:   s.cfg.Tasks.ActiveTasks(),
	}
	code := http.StatusOK
	if s.cfg.Tasks.HasCriticalFailures() {
		resp.Status = "critical"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.cfg.Tasks.Tasks()
	if tasks == nil {
		tasks = []types.TaskSnapshot{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTasksText(w http.ResponseWriter, r *http.Request) {
	writeText(w, s.cfg.Tasks.AllTasksStatus())
}

// /logs?max=N，N<=0或缺省表示不限
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	maxBytes := 0
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid max", http.StatusBadRequest)
			return
		}
		maxBytes = n
	}
	writeText(w, s.cfg.Logs.RecentLogs(maxBytes))
}

func (s *Server) textHandler(read func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeText(w, read())
	}
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Logs.SaveToNVS(); err != nil {
		s.log.Error("log flush failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Logs.ClearAll(); err != nil {
		s.log.Error("log clear failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Reboot == nil {
		http.Error(w, "reboot not supported", http.StatusNotImplemented)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "HTTP request"
	}
	w.WriteHeader(http.StatusAccepted)
	// 先返回响应，再重启
	go s.cfg.Reboot(reason)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(body))
}
