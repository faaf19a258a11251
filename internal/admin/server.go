package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"apimocker/internal/cdp"
	"apimocker/internal/logger"
	"apimocker/internal/rules"
	"apimocker/internal/service"
	"apimocker/internal/session"
	"apimocker/internal/storage"
	"apimocker/pkg/api"
	"apimocker/pkg/model"
	"apimocker/pkg/traffic"
)

const (
	headerContentType = "Content-Type"
	headerTraceID     = "X-Trace-Id"
	contentTypeJSON   = "application/json"
	contentTypeYAML   = "application/yaml"
)

var _ http.Handler = (*Server)(nil)

// Server 本地控制接口：配置、规则、记录、匹配预演和会话
type Server struct {
	svc    api.Service
	router *httprouter.Router
	log    logger.Logger
}

// ErrorResponse 错误响应体
type ErrorResponse struct {
	Error string `json:"error"`
}

// MatchInput 匹配预演请求
type MatchInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// MatchOutput 匹配预演结果
type MatchOutput struct {
	Rule    *model.MockRule  `json:"rule"`
	Matches []model.MockRule `json:"matches"`
}

// New 创建控制接口并注册路由
func New(svc api.Service, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Server{svc: svc, router: httprouter.New(), log: l}
	s.register()
	return s
}

func (s *Server) register() {
	s.router.GET("/api/config", s.getConfig)
	s.router.GET("/api/global", s.getGlobal)
	s.router.PUT("/api/global", s.putGlobal)

	s.router.GET("/api/rules", s.listRules)
	s.router.POST("/api/rules", s.createRule)
	s.router.GET("/api/rules/:rule_id", s.getRule)
	s.router.PUT("/api/rules/:rule_id", s.updateRule)
	s.router.DELETE("/api/rules/:rule_id", s.deleteRule)
	s.router.PUT("/api/rules/:rule_id/enabled", s.setRuleEnabled)
	s.router.POST("/api/import", s.importRules)
	s.router.GET("/api/export", s.exportRules)

	s.router.GET("/api/records", s.listRecords)
	s.router.DELETE("/api/records", s.clearRecords)

	s.router.POST("/api/match", s.match)

	s.router.GET("/api/sessions", s.listSessions)
	s.router.POST("/api/sessions", s.startSession)
	s.router.DELETE("/api/sessions/:session_id", s.stopSession)
	s.router.GET("/api/sessions/:session_id/targets", s.listTargets)
	s.router.POST("/api/sessions/:session_id/targets/:target_id", s.attachTarget)
	s.router.DELETE("/api/sessions/:session_id/targets/:target_id", s.detachTarget)
}

// ServeHTTP 为每个请求附带追踪 ID
func (s *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	traceID := req.Header.Get(headerTraceID)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	rw.Header().Set(headerTraceID, traceID)
	req = req.WithContext(storage.WithTraceID(req.Context(), traceID))

	start := time.Now()
	s.router.ServeHTTP(rw, req)
	s.log.Debug("控制接口请求", "method", req.Method, "path", req.URL.Path, "traceID", traceID, "elapsed", time.Since(start).String())
}

// ListenAndServe 监听地址直到上下文取消
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("控制接口已启动", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cfg, err := s.svc.GetConfig(r.Context())
	s.respond(w, cfg, err)
}

func (s *Server) getGlobal(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	g, err := s.svc.GetGlobalConfig(r.Context())
	s.respond(w, g, err)
}

func (s *Server) putGlobal(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	g, ok := decode[model.GlobalConfig](w, r)
	if !ok {
		return
	}
	if err := s.svc.SaveGlobalConfig(r.Context(), *g); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, g, nil)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	list, err := s.svc.ListRules(r.Context())
	if err == nil && r.URL.Query().Get("sort") == "score" {
		list = rules.SortByScore(list)
	}
	s.respond(w, list, err)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rule, ok := decode[model.MockRule](w, r)
	if !ok {
		return
	}
	rule.ID = ""
	saved, err := s.svc.SaveRule(r.Context(), *rule)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rule, err := s.svc.GetRule(r.Context(), model.RuleID(ps.ByName("rule_id")))
	s.respond(w, rule, err)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := model.RuleID(ps.ByName("rule_id"))
	if _, err := s.svc.GetRule(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	rule, ok := decode[model.MockRule](w, r)
	if !ok {
		return
	}
	rule.ID = id
	saved, err := s.svc.SaveRule(r.Context(), *rule)
	s.respond(w, saved, err)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.svc.DeleteRule(r.Context(), model.RuleID(ps.ByName("rule_id"))); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setRuleEnabled(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	in, ok := decode[struct {
		Enabled bool `json:"enabled"`
	}](w, r)
	if !ok {
		return
	}
	id := model.RuleID(ps.ByName("rule_id"))
	if err := s.svc.SetRuleEnabled(r.Context(), id, in.Enabled); err != nil {
		s.fail(w, err)
		return
	}
	rule, err := s.svc.GetRule(r.Context(), id)
	s.respond(w, rule, err)
}

// importRules 默认替换全部规则，mode=merge 时合并
func (s *Server) importRules(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	defer r.Body.Close()
	b, err := storage.DecodeBundle(r.Body, requestFormat(r))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	n, err := s.svc.ImportRules(r.Context(), b, r.URL.Query().Get("mode") == "merge")
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (s *Server) exportRules(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	b, err := s.svc.ExportRules(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if r.URL.Query().Get("format") != string(storage.FormatYAML) {
		writeJSON(w, http.StatusOK, b)
		return
	}
	w.Header().Set(headerContentType, contentTypeYAML)
	w.WriteHeader(http.StatusOK)
	if err := storage.EncodeBundle(w, b, storage.FormatYAML); err != nil {
		s.log.Err(err, "导出规则失败")
	}
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	list, err := s.svc.ListRecords(r.Context(), limit)
	s.respond(w, list, err)
}

func (s *Server) clearRecords(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.svc.ClearRecords(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) match(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	in, ok := decode[MatchInput](w, r)
	if !ok {
		return
	}
	if in.URL == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "url is required"})
		return
	}
	req := traffic.NewRequest(in.URL, strings.ToUpper(in.Method))
	req.Headers = traffic.HeaderFrom(in.Headers)
	if in.Body != "" {
		req.Body = []byte(in.Body)
	}
	rule, all, err := s.svc.Match(r.Context(), req)
	if all == nil {
		all = []model.MockRule{}
	}
	s.respond(w, MatchOutput{Rule: rule, Matches: all}, err)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.respond(w, s.svc.ListSessions(), nil)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cfg, ok := decode[model.SessionConfig](w, r)
	if !ok {
		return
	}
	id, err := s.svc.StartSession(*cfg)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]model.SessionID{"id": id})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.svc.StopSession(model.SessionID(ps.ByName("session_id"))); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	list, err := s.svc.ListTargets(r.Context(), model.SessionID(ps.ByName("session_id")))
	s.respond(w, list, err)
}

func (s *Server) attachTarget(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := s.svc.AttachTarget(r.Context(), model.SessionID(ps.ByName("session_id")), model.TargetID(ps.ByName("target_id")))
	s.respond(w, map[string]model.TargetID{"id": id}, err)
}

func (s *Server) detachTarget(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	err := s.svc.DetachTarget(model.SessionID(ps.ByName("session_id")), model.TargetID(ps.ByName("target_id")))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.log.Err(err, "控制接口请求失败")
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrRuleNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, cdp.ErrNotAttached),
		errors.Is(err, cdp.ErrNoTarget):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, storage.ErrInvalidGlobalConfig),
		errors.Is(err, service.ErrInvalidSessionConfig):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func requestFormat(r *http.Request) storage.Format {
	if strings.Contains(r.Header.Get(headerContentType), "yaml") || r.URL.Query().Get("format") == string(storage.FormatYAML) {
		return storage.FormatYAML
	}
	return storage.FormatJSON
}

func decode[V any](w http.ResponseWriter, r *http.Request) (*V, bool) {
	var v V
	if r.Body == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "empty body"})
		return nil, false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "decode body: " + err.Error()})
		return nil, false
	}
	return &v, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
