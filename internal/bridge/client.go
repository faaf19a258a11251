package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"apimocker/internal/logger"
	"apimocker/internal/protocol"
	"apimocker/pkg/model"
)

// DefaultLookupTimeout 规则查询的默认超时
const DefaultLookupTimeout = 5 * time.Second

// Client 页面侧的规则查询端，按 id 关联请求与应答
type Client struct {
	ch      Channel
	timeout time.Duration
	log     logger.Logger

	mu      sync.Mutex
	pending map[string]chan *model.MockRule
	cancel  func()
}

// NewClient 创建查询端并订阅通道
func NewClient(ch Channel, timeout time.Duration, l logger.Logger) *Client {
	if l == nil {
		l = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	c := &Client{
		ch:      ch,
		timeout: timeout,
		log:     l,
		pending: make(map[string]chan *model.MockRule),
	}
	c.cancel = ch.Subscribe(c.onMessage)
	return c
}

// QueryRule 查询匹配规则；超时、通道失败或无匹配时返回 nil
func (c *Client) QueryRule(ctx context.Context, q protocol.Query) *model.MockRule {
	q.ID = uuid.NewString()
	reply := make(chan *model.MockRule, 1)

	c.mu.Lock()
	c.pending[q.ID] = reply
	c.mu.Unlock()
	defer c.evict(q.ID)

	msg, err := protocol.EncodeRequest(q)
	if err != nil {
		c.log.Err(err, "构造规则查询消息失败", "url", q.URL)
		return nil
	}
	if err := c.ch.Post(msg); err != nil {
		c.log.Err(err, "发送规则查询失败", "url", q.URL)
		return nil
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case rule := <-reply:
		return rule
	case <-timer.C:
		c.log.Warn("规则查询超时，按未命中处理", "url", q.URL, "method", q.Method, "timeout", c.timeout)
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Pending 尚未应答的查询数量
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close 取消订阅
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) evict(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) onMessage(msg []byte) {
	if protocol.TypeOf(msg) != protocol.TypeResponse {
		return
	}
	id, rule, err := protocol.DecodeResponse(msg)
	if err != nil {
		c.log.Debug("忽略格式错误的应答", "error", err)
		return
	}
	c.mu.Lock()
	reply, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	reply <- rule
}
