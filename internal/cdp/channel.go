package cdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/tidwall/gjson"

	"apimocker/internal/bridge"
	"apimocker/internal/logger"
)

// BindingName 页面脚本向宿主发消息使用的全局函数名
const BindingName = "__apiMockerBridge"

// runtimeDomain 绑定通道用到的 Runtime 域操作
type runtimeDomain interface {
	Enable(ctx context.Context) error
	AddBinding(ctx context.Context, args *runtime.AddBindingArgs) error
	BindingCalled(ctx context.Context) (runtime.BindingCalledClient, error)
	Evaluate(ctx context.Context, args *runtime.EvaluateArgs) (*runtime.EvaluateReply, error)
	ExecutionContextCreated(ctx context.Context) (runtime.ExecutionContextCreatedClient, error)
}

// BindingChannel 页面与宿主之间的消息通道：
// 页面调用 BindingName 函数上行，宿主通过 window.postMessage 下行
type BindingChannel struct {
	rt      runtimeDomain
	ctx     context.Context
	log     logger.Logger
	timeout time.Duration

	mu     sync.RWMutex
	subs   map[uint64]func(msg []byte)
	nextID uint64
	closed bool
	docs   map[uint64]func()

	// postMu 保证下行消息按调用顺序执行
	postMu sync.Mutex
}

func newBindingChannel(ctx context.Context, rt runtimeDomain, timeout time.Duration, l logger.Logger) *BindingChannel {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &BindingChannel{rt: rt, ctx: ctx, log: l, timeout: timeout, subs: make(map[uint64]func([]byte)), docs: make(map[uint64]func())}
}

// start 注册绑定并开始接收页面消息
func (c *BindingChannel) start() error {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	if err := c.rt.Enable(ctx); err != nil {
		return fmt.Errorf("enable runtime: %w", err)
	}
	stream, err := c.rt.BindingCalled(c.ctx)
	if err != nil {
		return fmt.Errorf("subscribe binding: %w", err)
	}
	created, err := c.rt.ExecutionContextCreated(c.ctx)
	if err != nil {
		stream.Close()
		return fmt.Errorf("subscribe execution context: %w", err)
	}
	if err := c.rt.AddBinding(ctx, &runtime.AddBindingArgs{Name: BindingName}); err != nil {
		stream.Close()
		created.Close()
		return fmt.Errorf("add binding: %w", err)
	}
	go c.consume(stream)
	go c.watchDocuments(created)
	return nil
}

// watchDocuments 主框架创建新的执行上下文即视为新文档
func (c *BindingChannel) watchDocuments(stream runtime.ExecutionContextCreatedClient) {
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			return
		}
		if !gjson.GetBytes(ev.Context.AuxData, "isDefault").Bool() {
			continue
		}
		c.mu.RLock()
		fns := make([]func(), 0, len(c.docs))
		for _, fn := range c.docs {
			fns = append(fns, fn)
		}
		c.mu.RUnlock()
		for _, fn := range fns {
			go fn()
		}
	}
}

// OnNewDocument 页面加载新文档后回调，返回取消函数
func (c *BindingChannel) OnNewDocument(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.docs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.docs, id)
		c.mu.Unlock()
	}
}

func (c *BindingChannel) consume(stream runtime.BindingCalledClient) {
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn("页面消息流中断", "error", err)
			}
			c.close()
			return
		}
		if ev.Name != BindingName {
			continue
		}
		c.deliver([]byte(ev.Payload))
	}
}

func (c *BindingChannel) deliver(msg []byte) {
	c.mu.RLock()
	fns := make([]func([]byte), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// Post 在页面中派发 message 事件
func (c *BindingChannel) Post(msg []byte) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return bridge.ErrBridgeClosed
	}

	c.postMu.Lock()
	defer c.postMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	reply, err := c.rt.Evaluate(ctx, &runtime.EvaluateArgs{Expression: postMessageExpr(msg)})
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	if reply != nil && reply.ExceptionDetails != nil {
		return fmt.Errorf("post message: %s", reply.ExceptionDetails.Text)
	}
	return nil
}

// Subscribe 订阅页面上行消息
func (c *BindingChannel) Subscribe(fn func(msg []byte)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Closed 通道是否已关闭
func (c *BindingChannel) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *BindingChannel) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// postMessageExpr 消息本身是 JSON，可直接作为对象字面量
func postMessageExpr(msg []byte) string {
	return "window.postMessage(" + string(msg) + ", '*')"
}

var _ bridge.Channel = (*BindingChannel)(nil)
