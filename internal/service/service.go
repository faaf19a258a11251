package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"apimocker/internal/distributor"
	"apimocker/internal/logger"
	"apimocker/internal/rules"
	"apimocker/internal/session"
	"apimocker/internal/storage"
	"apimocker/pkg/model"
	"apimocker/pkg/traffic"
)

// ErrInvalidSessionConfig 会话配置无效
var ErrInvalidSessionConfig = errors.New("invalid session config")

// refreshTimeout 存储变更后重新推送配置的超时
const refreshTimeout = 5 * time.Second

// Service 组合存储、配置分发和会话管理
type Service struct {
	store    *storage.Store
	dist     *distributor.Distributor
	sessions *session.Manager
	engine   *rules.Engine
	log      logger.Logger
	cancel   func()
}

// New 创建服务；存储变更会触发配置重新推送。factory 为空时使用 DevTools 附加器
func New(store *storage.Store, factory session.AttacherFactory, l logger.Logger) *Service {
	if l == nil {
		l = logger.NewNop()
	}
	dist := distributor.New(store, l)
	s := &Service{
		store:    store,
		dist:     dist,
		sessions: session.NewManager(dist, store, factory, l),
		engine:   rules.New(model.DefaultInterceptorConfig(), l),
		log:      l,
	}
	s.cancel = dist.Subscribe(distributor.SubscriberFunc(func(cfg model.InterceptorConfig) error {
		s.engine.Update(cfg)
		return nil
	}))
	store.OnChange(s.broadcast)
	return s
}

// broadcast 将最新配置推送给所有页面与网络拦截
func (s *Service) broadcast() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := s.dist.Refresh(ctx); err != nil {
		s.log.Err(err, "推送配置更新失败")
	}
}

// StartSession 启动会话
func (s *Service) StartSession(cfg model.SessionConfig) (model.SessionID, error) {
	if cfg.DevToolsURL == "" {
		return "", fmt.Errorf("%w: devtools url is required", ErrInvalidSessionConfig)
	}
	return s.sessions.Create(cfg).ID(), nil
}

// StopSession 停止会话
func (s *Service) StopSession(id model.SessionID) error {
	return s.sessions.Delete(id)
}

// ListSessions 活动会话
func (s *Service) ListSessions() []model.SessionID {
	list := s.sessions.List()
	out := make([]model.SessionID, 0, len(list))
	for _, ss := range list {
		out = append(out, ss.ID())
	}
	return out
}

// ListTargets 列出会话端点上的页面
func (s *Service) ListTargets(ctx context.Context, id model.SessionID) ([]model.TargetInfo, error) {
	ss, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return ss.ListTargets(ctx)
}

// AttachTarget 附加页面，target 为空时选择第一个页面
func (s *Service) AttachTarget(ctx context.Context, id model.SessionID, target model.TargetID) (model.TargetID, error) {
	ss, err := s.sessions.Get(id)
	if err != nil {
		return "", err
	}
	return ss.AttachTarget(ctx, target)
}

// DetachTarget 断开页面
func (s *Service) DetachTarget(id model.SessionID, target model.TargetID) error {
	ss, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return ss.DetachTarget(target)
}

// GetConfig 当前下发中的配置快照
func (s *Service) GetConfig(ctx context.Context) (model.InterceptorConfig, error) {
	return s.dist.GetConfig(ctx)
}

func (s *Service) GetGlobalConfig(ctx context.Context) (model.GlobalConfig, error) {
	return s.store.GetGlobalConfig(ctx)
}

func (s *Service) SaveGlobalConfig(ctx context.Context, g model.GlobalConfig) error {
	return s.store.SaveGlobalConfig(ctx, g)
}

func (s *Service) ListRules(ctx context.Context) ([]model.MockRule, error) {
	return s.store.ListRules(ctx)
}

func (s *Service) GetRule(ctx context.Context, id model.RuleID) (model.MockRule, error) {
	return s.store.GetRule(ctx, id)
}

func (s *Service) SaveRule(ctx context.Context, r model.MockRule) (model.MockRule, error) {
	return s.store.SaveRule(ctx, r)
}

func (s *Service) DeleteRule(ctx context.Context, id model.RuleID) error {
	return s.store.DeleteRule(ctx, id)
}

func (s *Service) SetRuleEnabled(ctx context.Context, id model.RuleID, enabled bool) error {
	return s.store.SetRuleEnabled(ctx, id, enabled)
}

// ImportRules 导入规则，merge 为 false 时替换全部规则
func (s *Service) ImportRules(ctx context.Context, b model.Bundle, merge bool) (int, error) {
	return s.store.Import(ctx, b, merge)
}

func (s *Service) ExportRules(ctx context.Context) (model.Bundle, error) {
	return s.store.Export(ctx)
}

func (s *Service) ListRecords(ctx context.Context, limit int) ([]model.RequestRecord, error) {
	return s.store.ListRecords(ctx, limit)
}

func (s *Service) ClearRecords(ctx context.Context) error {
	return s.store.ClearRecords(ctx)
}

// Match 用当前下发的配置预演一次匹配，返回生效规则与全部命中规则
func (s *Service) Match(ctx context.Context, req *traffic.Request) (*model.MockRule, []model.MockRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if !s.engine.Snapshot().Enabled {
		return nil, nil, nil
	}
	return s.engine.Match(req), s.engine.MatchAll(req), nil
}

// Close 关闭所有会话
func (s *Service) Close() {
	s.cancel()
	s.sessions.Close()
}
