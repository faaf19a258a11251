package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"apimocker/internal/bridge"
	"apimocker/internal/logger"
	"apimocker/internal/rules"
	"apimocker/pkg/model"
	"apimocker/pkg/traffic"
)

// Details 网络层即将发出的请求
type Details struct {
	RequestID    string
	URL          string
	Method       string
	Headers      traffic.Header
	Body         []byte
	ResourceType string
}

// BlockingResponse 监听返回的处理结果，RedirectURL 非空时改写请求目标
type BlockingResponse struct {
	RedirectURL string
}

// Listener 请求发出前的同步回调，返回 nil 表示不处理
type Listener interface {
	OnBeforeRequest(d *Details) *BlockingResponse
}

// Pipeline 可注册监听的网络请求管道，所有操作幂等
type Pipeline interface {
	AddListener(l Listener)
	RemoveListener(l Listener)
	HasListener(l Listener) bool
}

// Interceptor 网络层拦截器：命中规则时把请求重定向到 data: 地址
type Interceptor struct {
	pipe    Pipeline
	sink    bridge.RecordSink
	log     logger.Logger
	matcher *rules.Matcher

	bodyLimit atomic.Int64

	mu  sync.RWMutex
	cfg model.InterceptorConfig
}

// NewInterceptor 创建拦截器，初始不注册监听
func NewInterceptor(p Pipeline, sink bridge.RecordSink, l logger.Logger) *Interceptor {
	if l == nil {
		l = logger.NewNop()
	}
	return &Interceptor{
		pipe:    p,
		sink:    sink,
		log:     l,
		matcher: rules.NewMatcher(l),
		cfg:     model.DefaultInterceptorConfig(),
	}
}

// SetBodyLimit 记录中请求体与响应体保存的最大字节数，<=0 不截断
func (i *Interceptor) SetBodyLimit(n int64) {
	i.bodyLimit.Store(n)
}

// ApplyConfig 替换配置；仅在启用且为网络模式时保持一个监听
func (i *Interceptor) ApplyConfig(cfg model.InterceptorConfig) {
	snap := cfg.Clone()
	i.mu.Lock()
	i.cfg = snap
	i.mu.Unlock()

	if snap.Enabled && snap.InterceptMode == model.ModeNetwork {
		i.ensureListener()
	} else {
		i.disableListener()
	}
}

// Active 监听是否已注册
func (i *Interceptor) Active() bool {
	return i.pipe.HasListener(i)
}

func (i *Interceptor) ensureListener() {
	if i.pipe.HasListener(i) {
		return
	}
	i.pipe.AddListener(i)
	i.log.Info("网络层拦截已启用")
}

func (i *Interceptor) disableListener() {
	if !i.pipe.HasListener(i) {
		return
	}
	i.pipe.RemoveListener(i)
	i.log.Info("网络层拦截已停用")
}

// OnBeforeRequest 匹配规则，命中时上报记录并返回重定向
func (i *Interceptor) OnBeforeRequest(d *Details) *BlockingResponse {
	i.mu.RLock()
	cfg := i.cfg
	i.mu.RUnlock()
	if !cfg.Enabled || cfg.InterceptMode != model.ModeNetwork {
		return nil
	}

	req := traffic.NewRequest(d.URL, d.Method)
	req.ID = d.RequestID
	if d.Headers != nil {
		req.Headers = d.Headers
	}
	req.Body = d.Body
	req.ResourceType = d.ResourceType

	rule := i.matcher.FindMatchingRule(req, cfg.Rules)
	if rule == nil {
		return nil
	}
	i.log.Debug("网络层命中规则", "url", d.URL, "method", req.Method, "rule", rule.ID)
	i.emit(rule, req)
	return &BlockingResponse{RedirectURL: SubstituteURL(rule)}
}

func (i *Interceptor) emit(rule *model.MockRule, req *traffic.Request) {
	if i.sink == nil {
		return
	}
	status := rule.StatusCode
	if status == 0 {
		status = 200
	}
	rec := model.RequestRecord{
		ID:              uuid.NewString(),
		URL:             req.URL,
		Method:          req.Method,
		Timestamp:       time.Now().UnixMilli(),
		IsMocked:        true,
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		StatusCode:      status,
		RequestHeaders:  req.Headers,
		RequestBody:     bridge.Clip(string(req.Body), i.bodyLimit.Load()),
		ResponseHeaders: rule.ResponseHeaders,
		ResponseBody:    bridge.Clip(rule.ResponseBody, i.bodyLimit.Load()),
		Size:            int64(len(rule.ResponseBody)),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := i.sink.AddRecord(ctx, rec); err != nil {
			i.log.Err(err, "保存请求记录失败", "url", rec.URL)
		}
	}()
}
