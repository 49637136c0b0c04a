package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenLake-Chain/internal/agent"
	"OpenLake-Chain/internal/auth"
	xerrors "OpenLake-Chain/internal/errors"
	"OpenLake-Chain/internal/observability/metrics"
	"OpenLake-Chain/internal/task"
)

// Server 负责暴露 REST 接口，供外部提交与查询数仓问答任务。
type Server struct {
	addr    string
	tasks   *task.Service
	auth    *auth.Service
	timeout time.Duration
}

// Option 配置 Server 的可选行为。
type Option func(*Server)

// WithAuthService 启用身份认证与鉴权中间件。
func WithAuthService(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithShutdownTimeout 调整优雅退出的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, opts ...Option) *Server {
	server := &Server{addr: addr, tasks: tasks, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(server)
	}
	return server
}

// Handler 组装完整的路由，便于测试与复用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	taskPerms := auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {auth.PermissionTasksRead},
			http.MethodPost: {auth.PermissionTasksWrite},
		},
		AuditEvent: "tasks",
	}
	statsPerms := auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet: {auth.PermissionStatsRead},
		},
		AuditEvent: "task_stats",
	}

	mux.Handle("/api/v1/tasks", s.protect(taskPerms, http.HandlerFunc(s.handleTasks)))
	mux.Handle("/api/v1/tasks/stats", s.protect(statsPerms, http.HandlerFunc(s.handleTaskStats)))
	mux.Handle("/api/v1/tasks/", s.protect(taskPerms, http.HandlerFunc(s.handleTaskDetail)))
	mux.HandleFunc("/api/v1/auth/token", s.handleToken)
	mux.HandleFunc("/healthz", s.handleHealth)

	return withMetrics(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) protect(cfg auth.MiddlewareConfig, next http.Handler) http.Handler {
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		return next
	}
	return s.auth.Middleware(cfg)(next)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// createTaskRequest 是任务提交接口的请求体。
type createTaskRequest struct {
	ID       string         `json:"id,omitempty"`
	Question string         `json:"question"`
	Tables   []string       `json:"tables,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Wait     bool           `json:"wait,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "question 不能为空", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	created, err := s.tasks.Submit(ctx, agent.QueryRequest{
		ID:       req.ID,
		Question: req.Question,
		Tables:   req.Tables,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// wait=true 时同步等待任务完成，便于脚本化调用。
	if req.Wait || r.URL.Query().Get("wait") == "true" {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		finished, err := s.tasks.WaitUntilCompleted(waitCtx, created.ID, 200*time.Millisecond)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, finished)
		return
	}

	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	results, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "任务 ID 不能为空", http.StatusBadRequest)
		return
	}
	result, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		http.Error(w, "身份认证未启用", http.StatusNotFound)
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, auth.ErrUnsupportedGrant):
			status = http.StatusBadRequest
		case errors.Is(err, auth.ErrSubjectRevoked):
			status = http.StatusForbidden
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listOptionsFromQuery 将查询参数翻译为任务过滤条件。
func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	var opts []task.ListOption
	query := r.URL.Query()

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, errors.New("limit 必须为非负整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, errors.New("offset 必须为非负整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, item := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(strings.ToLower(item)))
			if !task.IsValidStatus(status) {
				return nil, errors.New("无效的任务状态: " + item)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("has_result 必须为布尔值")
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts, nil
}

// writeError 将任务与编码错误映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrTaskConflict):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		switch xerrors.CodeOf(err) {
		case xerrors.CodeInvalidArgument:
			status = http.StatusBadRequest
		case xerrors.CodeNotFound:
			status = http.StatusNotFound
		case xerrors.CodeConflict:
			status = http.StatusConflict
		case xerrors.CodeTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withMetrics 为每个请求记录耗时与状态码指标。
func withMetrics(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(metricsHandlerName(r.URL.Path), r.Method, recorder.status, time.Since(start))
	})
}

// metricsHandlerName 将任务详情路径折叠为固定标签，避免基数膨胀。
func metricsHandlerName(path string) string {
	if strings.HasPrefix(path, "/api/v1/tasks/") && path != "/api/v1/tasks/stats" {
		return "/api/v1/tasks/{id}"
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
