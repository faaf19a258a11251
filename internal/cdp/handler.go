package cdp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"

	cdpadapter "apimocker/internal/adapter/cdp"
	"apimocker/internal/logger"
	"apimocker/internal/network"
	"apimocker/pkg/traffic"
)

// fetchDomain 拦截流水线用到的 Fetch 域操作，*cdp.Client 的 Fetch 字段满足该接口
type fetchDomain interface {
	Enable(ctx context.Context, args *fetch.EnableArgs) error
	Disable(ctx context.Context) error
	RequestPaused(ctx context.Context) (fetch.RequestPausedClient, error)
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
	FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error
}

// FetchPipeline 基于 Fetch 域的网络管道：有监听时暂停所有请求，
// 监听返回 data: 地址则直接以该资源应答，否则放行
type FetchPipeline struct {
	fetch          fetchDomain
	ctx            context.Context
	log            logger.Logger
	submit         func(func()) bool
	processTimeout time.Duration
	onStreamClosed func(error)

	mu        sync.RWMutex
	listeners []network.Listener
	stop      context.CancelFunc
	done      chan struct{}
}

func newFetchPipeline(ctx context.Context, fd fetchDomain, submit func(func()) bool, processTimeout time.Duration, l logger.Logger) *FetchPipeline {
	if processTimeout <= 0 {
		processTimeout = 3 * time.Second
	}
	return &FetchPipeline{
		fetch:          fd,
		ctx:            ctx,
		log:            l,
		submit:         submit,
		processTimeout: processTimeout,
	}
}

// AddListener 注册监听，首个监听注册时启用 Fetch 拦截
func (p *FetchPipeline) AddListener(l network.Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cur := range p.listeners {
		if cur == l {
			return
		}
	}
	p.listeners = append(p.listeners, l)
	if len(p.listeners) == 1 {
		p.enableLocked()
	}
}

// RemoveListener 移除监听，最后一个监听移除时关闭 Fetch 拦截
func (p *FetchPipeline) RemoveListener(l network.Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.listeners {
		if cur == l {
			p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
			if len(p.listeners) == 0 {
				p.disableLocked()
			}
			return
		}
	}
}

func (p *FetchPipeline) HasListener(l network.Listener) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cur := range p.listeners {
		if cur == l {
			return true
		}
	}
	return false
}

// Enabled Fetch 拦截是否处于开启状态
func (p *FetchPipeline) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stop != nil
}

func (p *FetchPipeline) enableLocked() {
	ctx, cancel := context.WithTimeout(p.ctx, p.processTimeout)
	defer cancel()
	pattern := "*"
	err := p.fetch.Enable(ctx, &fetch.EnableArgs{
		Patterns: []fetch.RequestPattern{{URLPattern: &pattern, RequestStage: fetch.RequestStageRequest}},
	})
	if err != nil {
		p.log.Err(err, "启用 Fetch 拦截失败")
		return
	}
	streamCtx, stop := context.WithCancel(p.ctx)
	p.stop = stop
	p.done = make(chan struct{})
	go p.consume(streamCtx, p.done)
	p.log.Info("Fetch 拦截已启用")
}

func (p *FetchPipeline) disableLocked() {
	if p.stop == nil {
		return
	}
	p.stop()
	p.stop = nil
	ctx, cancel := context.WithTimeout(p.ctx, p.processTimeout)
	defer cancel()
	if err := p.fetch.Disable(ctx); err != nil && p.ctx.Err() == nil {
		p.log.Err(err, "关闭 Fetch 拦截失败")
	}
	p.log.Info("Fetch 拦截已关闭")
}

// close 停止事件消费并等待消费协程退出
func (p *FetchPipeline) close() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop = nil
	p.listeners = nil
	p.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}

// consume 持续接收拦截事件并按并发限制分发处理
func (p *FetchPipeline) consume(ctx context.Context, done chan struct{}) {
	defer close(done)
	rp, err := p.fetch.RequestPaused(ctx)
	if err != nil {
		p.streamClosed(ctx, err)
		return
	}
	defer rp.Close()

	for {
		ev, err := rp.Recv()
		if err != nil {
			p.streamClosed(ctx, err)
			return
		}
		p.dispatchPaused(ev)
	}
}

// streamClosed 处理拦截流终止，主动关闭时忽略
func (p *FetchPipeline) streamClosed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	p.log.Warn("拦截事件流中断", "error", err)
	if p.onStreamClosed != nil {
		p.onStreamClosed(err)
	}
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (p *FetchPipeline) dispatchPaused(ev *fetch.RequestPausedReply) {
	if p.submit == nil {
		go p.handle(ev)
		return
	}
	if !p.submit(func() { p.handle(ev) }) {
		p.degradeAndContinue(ev, "并发队列已满")
	}
}

// handle 依次询问监听，首个返回 data: 地址的监听生效
func (p *FetchPipeline) handle(ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(p.ctx, p.processTimeout)
	defer cancel()
	start := time.Now()

	p.mu.RLock()
	ls := append([]network.Listener(nil), p.listeners...)
	p.mu.RUnlock()

	d := cdpadapter.ToDetails(ev)
	for _, l := range ls {
		br := l.OnBeforeRequest(d)
		if br == nil || br.RedirectURL == "" {
			continue
		}
		args, err := fulfillArgs(ev.RequestID, br.RedirectURL)
		if err != nil {
			p.degradeAndContinue(ev, "替换地址无效")
			return
		}
		if err := p.fetch.FulfillRequest(ctx, args); err != nil {
			p.log.Err(err, "替换响应失败", "url", d.URL)
			return
		}
		p.log.Debug("已替换为本地资源", "url", d.URL, "method", d.Method, "duration", time.Since(start))
		return
	}

	if err := p.fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Err(err, "放行请求失败", "url", d.URL)
	}
}

// degradeAndContinue 统一的降级处理：直接放行请求
func (p *FetchPipeline) degradeAndContinue(ev *fetch.RequestPausedReply, reason string) {
	p.log.Warn("执行降级策略：直接放行", "reason", reason, "requestID", ev.RequestID, "url", ev.Request.URL)
	ctx, cancel := context.WithTimeout(p.ctx, time.Second)
	defer cancel()
	if err := p.fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
		p.log.Err(err, "降级放行失败", "requestID", ev.RequestID)
	}
}

// fulfillArgs 以替换资源应答：状态码 200，只带 Content-Type
func fulfillArgs(id fetch.RequestID, redirect string) (*fetch.FulfillRequestArgs, error) {
	mime, body, err := network.DecodeSubstitute(redirect)
	if err != nil {
		return nil, err
	}
	return &fetch.FulfillRequestArgs{
		RequestID:       id,
		ResponseCode:    200,
		ResponseHeaders: cdpadapter.ToHeaderEntries(traffic.Header{"content-type": mime}),
		Body:            body,
	}, nil
}
