package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"apimocker/internal/logger"
	"apimocker/internal/protocol"
	"apimocker/internal/rules"
	"apimocker/pkg/model"
	"apimocker/pkg/traffic"
)

// ConfigSource 提供拦截配置快照
type ConfigSource interface {
	GetConfig(ctx context.Context) (model.InterceptorConfig, error)
}

// RecordSink 接收请求记录
type RecordSink interface {
	AddRecord(ctx context.Context, rec model.RequestRecord) error
}

// ScriptInstaller 在页面脚本执行前注入 Hook 脚本
type ScriptInstaller interface {
	InstallScript(ctx context.Context, source string) error
}

// Options 桥接配置
type Options struct {
	Channel     Channel
	Source      ConfigSource
	Sink        RecordSink
	Logger      logger.Logger
	LoadTimeout time.Duration
	BodyLimit   int64 // 记录中请求体与响应体保存的最大字节数，<=0 不截断
}

// Bridge 隔离环境侧：应答规则查询、转发记录、下发模式
type Bridge struct {
	ch          Channel
	source      ConfigSource
	sink        RecordSink
	log         logger.Logger
	matcher     *rules.Matcher
	loadTimeout time.Duration
	bodyLimit   int64

	mu  sync.RWMutex
	cfg *model.InterceptorConfig

	loadMu sync.Mutex

	installMu sync.Mutex
	installed bool

	closeOnce sync.Once
	cancel    func()
	wg        sync.WaitGroup
}

// New 创建桥接并订阅通道
func New(opts Options) *Bridge {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	to := opts.LoadTimeout
	if to <= 0 {
		to = DefaultLookupTimeout
	}
	b := &Bridge{
		ch:          opts.Channel,
		source:      opts.Source,
		sink:        opts.Sink,
		log:         l,
		matcher:     rules.NewMatcher(l),
		loadTimeout: to,
		bodyLimit:   opts.BodyLimit,
	}
	b.cancel = b.ch.Subscribe(b.onMessage)
	return b
}

// ApplyConfig 整体替换快照并通知页面新的模式
func (b *Bridge) ApplyConfig(cfg model.InterceptorConfig) error {
	snap := cfg.Clone()
	b.mu.Lock()
	b.cfg = &snap
	b.mu.Unlock()

	msg, err := protocol.EncodeSetMode(snap.Mode())
	if err != nil {
		return err
	}
	if err := b.ch.Post(msg); err != nil {
		return err
	}
	b.log.Debug("已下发拦截模式", "enabled", snap.Enabled, "mode", snap.InterceptMode, "rules", len(snap.Rules))
	return nil
}

// Snapshot 当前快照，未加载时返回 false
func (b *Bridge) Snapshot() (model.InterceptorConfig, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.cfg == nil {
		return model.InterceptorConfig{}, false
	}
	return *b.cfg, true
}

// Install 为当前文档注入页面脚本，只执行一次
func (b *Bridge) Install(ctx context.Context, inst ScriptInstaller, source string) error {
	b.installMu.Lock()
	defer b.installMu.Unlock()
	if b.installed {
		return nil
	}
	if err := inst.InstallScript(ctx, source); err != nil {
		return err
	}
	b.installed = true
	b.log.Info("页面脚本已注入")
	return nil
}

// Close 取消订阅并等待处理中的查询结束
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
	})
}

func (b *Bridge) onMessage(msg []byte) {
	switch protocol.TypeOf(msg) {
	case protocol.TypeRequest:
		q, err := protocol.DecodeRequest(msg)
		if err != nil {
			b.log.Debug("忽略格式错误的查询", "error", err)
			return
		}
		// 首次查询可能需要加载配置，不阻塞通道分发
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.answer(q)
		}()
	case protocol.TypeRecord:
		p, err := protocol.DecodeRecord(msg)
		if err != nil {
			b.log.Debug("忽略格式错误的记录", "error", err)
			return
		}
		// 记录写入可能很慢，不能占用通道分发
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.relay(p)
		}()
	}
}

func (b *Bridge) answer(q protocol.Query) {
	ctx, cancel := context.WithTimeout(context.Background(), b.loadTimeout)
	defer cancel()

	cfg := b.config(ctx)
	var rule *model.MockRule
	if cfg.Enabled {
		req := traffic.NewRequest(q.URL, q.Method)
		req.Headers = traffic.HeaderFrom(q.Headers)
		if q.Body != "" {
			req.Body = []byte(q.Body)
		}
		rule = b.matcher.FindMatchingRule(req, cfg.Rules)
	}

	msg, err := protocol.EncodeResponse(q.ID, rule)
	if err != nil {
		b.log.Err(err, "构造查询应答失败", "url", q.URL)
		return
	}
	if err := b.ch.Post(msg); err != nil {
		b.log.Err(err, "发送查询应答失败", "url", q.URL)
		return
	}
	if rule != nil {
		b.log.Debug("规则命中", "url", q.URL, "method", q.Method, "rule", rule.ID)
	}
}

// config 返回当前快照；冷启动时从配置源加载一次，并发的首次查询共享同一次加载
func (b *Bridge) config(ctx context.Context) model.InterceptorConfig {
	if cfg, ok := b.Snapshot(); ok {
		return cfg
	}
	b.loadMu.Lock()
	defer b.loadMu.Unlock()
	if cfg, ok := b.Snapshot(); ok {
		return cfg
	}
	if b.source == nil {
		return model.DefaultInterceptorConfig()
	}
	cfg, err := b.source.GetConfig(ctx)
	if err != nil {
		b.log.Err(err, "加载拦截配置失败，使用默认配置")
		return model.DefaultInterceptorConfig()
	}
	snap := cfg.Clone()
	b.mu.Lock()
	if b.cfg == nil {
		b.cfg = &snap
	} else {
		snap = *b.cfg
	}
	b.mu.Unlock()
	return snap
}

func (b *Bridge) relay(p protocol.RecordPayload) {
	if b.sink == nil {
		return
	}
	rec := model.RequestRecord{
		ID:              uuid.NewString(),
		URL:             p.URL,
		Method:          p.Method,
		Timestamp:       time.Now().UnixMilli(),
		IsMocked:        p.IsMocked,
		RuleID:          p.RuleID,
		RuleName:        p.RuleName,
		StatusCode:      p.StatusCode,
		Duration:        p.Duration,
		RequestHeaders:  p.RequestHeaders,
		RequestBody:     Clip(p.RequestBody, b.bodyLimit),
		ResponseHeaders: p.ResponseHeaders,
		ResponseBody:    Clip(p.ResponseBody, b.bodyLimit),
		Size:            int64(len(p.ResponseBody)),
	}
	if rec.StatusCode == 0 {
		rec.StatusCode = 200
	}
	if rec.Method == "" {
		rec.Method = "GET"
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.loadTimeout)
	defer cancel()
	if err := b.sink.AddRecord(ctx, rec); err != nil {
		b.log.Err(err, "保存请求记录失败", "url", rec.URL)
	}
}

// Clip 截断超过 limit 字节的内容，limit <= 0 时原样返回
func Clip(s string, limit int64) string {
	if limit <= 0 || int64(len(s)) <= limit {
		return s
	}
	return s[:limit]
}
