package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"

	"apimocker/internal/logger"
	"apimocker/pkg/model"
)

var (
	// ErrNotAttached 目标未附加
	ErrNotAttached = errors.New("target not attached")
	// ErrNoTarget 找不到可附加的页面
	ErrNoTarget = errors.New("no target")
)

// Target 已附加的浏览器页面
type Target struct {
	info     model.TargetInfo
	conn     *rpcc.Conn
	client   *cdp.Client
	ctx      context.Context
	cancel   context.CancelFunc
	channel  *BindingChannel
	pipeline *FetchPipeline
	timeout  time.Duration
}

func (t *Target) ID() model.TargetID { return t.info.ID }

// Info 附加时的页面信息
func (t *Target) Info() model.TargetInfo { return t.info }

// Channel 页面消息通道
func (t *Target) Channel() *BindingChannel { return t.channel }

// Pipeline 页面的 Fetch 网络管道
func (t *Target) Pipeline() *FetchPipeline { return t.pipeline }

// Done 目标连接关闭后关闭
func (t *Target) Done() <-chan struct{} { return t.ctx.Done() }

// InstallScript 在每个新文档的页面脚本之前执行 source，并立即作用于当前文档
func (t *Target) InstallScript(ctx context.Context, source string) error {
	if err := t.client.Page.Enable(ctx); err != nil {
		return fmt.Errorf("enable page: %w", err)
	}
	if _, err := t.client.Page.AddScriptToEvaluateOnNewDocument(ctx, &page.AddScriptToEvaluateOnNewDocumentArgs{Source: source}); err != nil {
		return fmt.Errorf("add script: %w", err)
	}
	reply, err := t.client.Runtime.Evaluate(ctx, &runtime.EvaluateArgs{Expression: source})
	if err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	if reply.ExceptionDetails != nil {
		return fmt.Errorf("evaluate script: %s", reply.ExceptionDetails.Text)
	}
	return nil
}

func (t *Target) close() error {
	t.pipeline.close()
	t.cancel()
	return t.conn.Close()
}

// Manager 管理单个 DevTools 端点上附加的页面
type Manager struct {
	devtoolsURL      string
	processTimeoutMS int
	log              logger.Logger
	pool             *workerPool
	onClosed         func(model.TargetID)

	targetsMu sync.Mutex
	targets   map[model.TargetID]*Target
}

// New 创建管理器，Concurrency 大于 0 时使用工作池处理拦截事件
func New(cfg model.SessionConfig, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	m := &Manager{
		devtoolsURL:      cfg.DevToolsURL,
		processTimeoutMS: cfg.ProcessTimeoutMS,
		log:              l,
		targets:          make(map[model.TargetID]*Target),
	}
	if cfg.Concurrency > 0 {
		m.pool = newWorkerPool(cfg.Concurrency, cfg.PendingCapacity)
	}
	return m
}

// OnTargetClosed 注册目标意外断开时的回调
func (m *Manager) OnTargetClosed(fn func(model.TargetID)) {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	m.onClosed = fn
}

// ListTargets 列出端点上的页面
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		_, attached := m.targets[model.TargetID(t.ID)]
		out = append(out, toTargetInfo(t, attached))
	}
	return out, nil
}

// Attach 附加页面；target 为空时选择第一个页面
func (m *Manager) Attach(ctx context.Context, target model.TargetID) (*Target, error) {
	m.targetsMu.Lock()
	if t, ok := m.targets[target]; ok {
		m.targetsMu.Unlock()
		return t, nil
	}
	m.targetsMu.Unlock()

	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		if target == "" || t.ID == string(target) {
			sel = t
			break
		}
	}
	if sel == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTarget, target)
	}

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", sel.WebSocketDebuggerURL, err)
	}
	client := cdp.NewClient(conn)
	tctx, cancel := context.WithCancel(context.Background())
	timeout := time.Duration(m.processTimeoutMS) * time.Millisecond

	t := &Target{
		info:    toTargetInfo(sel, true),
		conn:    conn,
		client:  client,
		ctx:     tctx,
		cancel:  cancel,
		timeout: timeout,
	}
	l := m.log.With("target", sel.ID)
	var submit func(func()) bool
	if m.pool != nil {
		submit = m.pool.submit
	}
	t.pipeline = newFetchPipeline(tctx, client.Fetch, submit, timeout, l)
	t.pipeline.onStreamClosed = func(err error) { m.handleTargetClosed(t, err) }
	t.channel = newBindingChannel(tctx, client.Runtime, timeout, l)
	if err := t.channel.start(); err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	go func() {
		select {
		case <-conn.Context().Done():
			m.handleTargetClosed(t, conn.Context().Err())
		case <-tctx.Done():
		}
	}()

	m.targetsMu.Lock()
	if cur, ok := m.targets[t.info.ID]; ok {
		m.targetsMu.Unlock()
		_ = t.close()
		return cur, nil
	}
	m.targets[t.info.ID] = t
	m.targetsMu.Unlock()
	m.log.Info("已附加目标", "target", sel.ID, "url", sel.URL)
	return t, nil
}

// Detach 断开目标
func (m *Manager) Detach(id model.TargetID) error {
	m.targetsMu.Lock()
	t, ok := m.targets[id]
	delete(m.targets, id)
	m.targetsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, id)
	}
	m.log.Info("已断开目标", "target", string(id))
	return t.close()
}

// Target 按 ID 获取已附加的目标
func (m *Manager) Target(id model.TargetID) (*Target, bool) {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	t, ok := m.targets[id]
	return t, ok
}

// Targets 所有已附加的目标
func (m *Manager) Targets() []*Target {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]*Target, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	return out
}

// Close 断开所有目标并停止工作池
func (m *Manager) Close() {
	m.targetsMu.Lock()
	targets := m.targets
	m.targets = make(map[model.TargetID]*Target)
	m.targetsMu.Unlock()
	for id, t := range targets {
		if err := t.close(); err != nil {
			m.log.Debug("关闭目标连接出错", "target", string(id), "error", err)
		}
	}
	if m.pool != nil {
		m.pool.stop()
	}
}

// handleTargetClosed 连接或拦截流意外中断时移除目标
func (m *Manager) handleTargetClosed(t *Target, err error) {
	m.targetsMu.Lock()
	cur, ok := m.targets[t.info.ID]
	if !ok || cur != t {
		m.targetsMu.Unlock()
		return
	}
	delete(m.targets, t.info.ID)
	fn := m.onClosed
	m.targetsMu.Unlock()

	m.log.Warn("目标连接中断，自动移除", "target", string(t.info.ID), "error", err)
	go func() {
		_ = t.close()
	}()
	if fn != nil {
		fn(t.info.ID)
	}
}

func toTargetInfo(t *devtool.Target, attached bool) model.TargetInfo {
	return model.TargetInfo{
		ID:        model.TargetID(t.ID),
		Type:      string(t.Type),
		URL:       t.URL,
		Title:     t.Title,
		IsCurrent: attached,
		IsUser:    isUserPage(t.URL),
	}
}

// isUserPage 排除浏览器内置页面
func isUserPage(u string) bool {
	for _, p := range []string{"devtools://", "chrome://", "chrome-extension://", "edge://", "about:"} {
		if strings.HasPrefix(u, p) {
			return false
		}
	}
	return true
}
