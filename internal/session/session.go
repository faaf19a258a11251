package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"apimocker/internal/bridge"
	"apimocker/internal/cdp"
	"apimocker/internal/distributor"
	"apimocker/internal/hook"
	"apimocker/internal/logger"
	"apimocker/internal/network"
	"apimocker/pkg/model"
)

// ErrSessionClosed 会话已关闭
var ErrSessionClosed = errors.New("session closed")

// Endpoint 已附加的页面：消息通道、网络管道和脚本注入
type Endpoint interface {
	ID() model.TargetID
	Channel() bridge.Channel
	Pipeline() network.Pipeline
	OnNewDocument(fn func()) func()
	InstallScript(ctx context.Context, source string) error
}

// Attacher 页面附加器
type Attacher interface {
	ListTargets(ctx context.Context) ([]model.TargetInfo, error)
	Attach(ctx context.Context, id model.TargetID) (Endpoint, error)
	Detach(id model.TargetID) error
	OnTargetClosed(fn func(model.TargetID))
	Close()
}

// attachment 单个页面上的拦截组件
type attachment struct {
	endpoint    Endpoint
	bridge      *bridge.Bridge
	interceptor *network.Interceptor
	cancels     []func()
}

func (a *attachment) close() {
	for _, c := range a.cancels {
		c()
	}
	a.interceptor.ApplyConfig(model.InterceptorConfig{})
	a.bridge.Close()
}

// Session 一个 DevTools 端点上的拦截会话，每个附加的页面拥有独立的桥接和网络拦截
type Session struct {
	id   model.SessionID
	cfg  model.SessionConfig
	att  Attacher
	dist *distributor.Distributor
	sink bridge.RecordSink
	log  logger.Logger

	mu      sync.Mutex
	targets map[model.TargetID]*attachment
	closed  bool
}

// New 创建会话
func New(id model.SessionID, cfg model.SessionConfig, att Attacher, dist *distributor.Distributor, sink bridge.RecordSink, l logger.Logger) *Session {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Session{
		id:      id,
		cfg:     cfg,
		att:     att,
		dist:    dist,
		sink:    sink,
		log:     l.With("session", string(id)),
		targets: make(map[model.TargetID]*attachment),
	}
	att.OnTargetClosed(s.targetClosed)
	return s
}

func (s *Session) ID() model.SessionID { return s.id }

// Config 会话配置
func (s *Session) Config() model.SessionConfig { return s.cfg }

// ListTargets 列出可附加的页面
func (s *Session) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	return s.att.ListTargets(ctx)
}

// AttachTarget 附加页面并接入拦截：注入页面脚本、订阅配置推送
func (s *Session) AttachTarget(ctx context.Context, id model.TargetID) (model.TargetID, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if _, ok := s.targets[id]; ok && id != "" {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	ep, err := s.att.Attach(ctx, id)
	if err != nil {
		return "", err
	}
	tid := ep.ID()
	l := s.log.With("target", string(tid))

	s.mu.Lock()
	_, exists := s.targets[tid]
	s.mu.Unlock()
	if exists {
		return tid, nil
	}

	a := &attachment{
		endpoint: ep,
		bridge: bridge.New(bridge.Options{
			Channel:     ep.Channel(),
			Source:      s.dist,
			Sink:        s.sink,
			Logger:      l,
			LoadTimeout: s.lookupTimeout(),
			BodyLimit:   s.cfg.BodySizeThreshold,
		}),
		interceptor: network.NewInterceptor(ep.Pipeline(), s.sink, l),
	}
	a.interceptor.SetBodyLimit(s.cfg.BodySizeThreshold)
	if err := a.bridge.Install(ctx, ep, hook.Script); err != nil {
		a.bridge.Close()
		_ = s.att.Detach(tid)
		return "", fmt.Errorf("install page script: %w", err)
	}

	ic := a.interceptor
	a.cancels = append(a.cancels,
		s.dist.Subscribe(distributor.SubscriberFunc(func(cfg model.InterceptorConfig) error {
			ic.ApplyConfig(cfg)
			return nil
		})),
		s.dist.Subscribe(a.bridge),
		ep.OnNewDocument(func() {
			if err := a.bridge.ApplyConfig(s.dist.Snapshot()); err != nil {
				l.Debug("新文档下发模式失败", "error", err)
			}
		}),
	)

	s.mu.Lock()
	if _, ok := s.targets[tid]; ok || s.closed {
		closed := s.closed
		s.mu.Unlock()
		a.close()
		if closed {
			return "", ErrSessionClosed
		}
		return tid, nil
	}
	s.targets[tid] = a
	s.mu.Unlock()
	l.Info("目标已接入拦截")
	return tid, nil
}

// DetachTarget 断开页面
func (s *Session) DetachTarget(id model.TargetID) error {
	s.mu.Lock()
	a, ok := s.targets[id]
	delete(s.targets, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", cdp.ErrNotAttached, id)
	}
	a.close()
	return s.att.Detach(id)
}

// Targets 已附加的页面 ID
func (s *Session) Targets() []model.TargetID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TargetID, 0, len(s.targets))
	for id := range s.targets {
		out = append(out, id)
	}
	return out
}

// Interceptor 页面的网络层拦截器
func (s *Session) Interceptor(id model.TargetID) (*network.Interceptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.targets[id]
	if !ok {
		return nil, false
	}
	return a.interceptor, true
}

// Close 断开所有页面
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	targets := s.targets
	s.targets = make(map[model.TargetID]*attachment)
	s.mu.Unlock()

	for _, a := range targets {
		a.close()
	}
	s.att.Close()
	s.log.Info("会话已关闭")
}

// targetClosed 页面意外断开时清理拦截组件
func (s *Session) targetClosed(id model.TargetID) {
	s.mu.Lock()
	a, ok := s.targets[id]
	delete(s.targets, id)
	s.mu.Unlock()
	if ok {
		a.close()
		s.log.Warn("目标已断开", "target", string(id))
	}
}

func (s *Session) lookupTimeout() time.Duration {
	if s.cfg.LookupTimeoutMS <= 0 {
		return bridge.DefaultLookupTimeout
	}
	return time.Duration(s.cfg.LookupTimeoutMS) * time.Millisecond
}

// cdpAttacher 通过 DevTools 协议附加页面
type cdpAttacher struct {
	m *cdp.Manager
}

// NewCDPAttacher 基于 DevTools 端点的附加器
func NewCDPAttacher(cfg model.SessionConfig, l logger.Logger) Attacher {
	return &cdpAttacher{m: cdp.New(cfg, l)}
}

func (a *cdpAttacher) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	return a.m.ListTargets(ctx)
}

func (a *cdpAttacher) Attach(ctx context.Context, id model.TargetID) (Endpoint, error) {
	t, err := a.m.Attach(ctx, id)
	if err != nil {
		return nil, err
	}
	return cdpEndpoint{t}, nil
}

func (a *cdpAttacher) Detach(id model.TargetID) error { return a.m.Detach(id) }

func (a *cdpAttacher) OnTargetClosed(fn func(model.TargetID)) { a.m.OnTargetClosed(fn) }

func (a *cdpAttacher) Close() { a.m.Close() }

type cdpEndpoint struct{ t *cdp.Target }

func (e cdpEndpoint) ID() model.TargetID { return e.t.ID() }

func (e cdpEndpoint) Channel() bridge.Channel { return e.t.Channel() }

func (e cdpEndpoint) Pipeline() network.Pipeline { return e.t.Pipeline() }

func (e cdpEndpoint) OnNewDocument(fn func()) func() { return e.t.Channel().OnNewDocument(fn) }

func (e cdpEndpoint) InstallScript(ctx context.Context, source string) error {
	return e.t.InstallScript(ctx, source)
}
