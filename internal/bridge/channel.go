package bridge

import (
	"errors"
	"sync"
)

// ErrBridgeClosed 通道或桥接已关闭
var ErrBridgeClosed = errors.New("bridge closed")

// Channel 页面与隔离环境之间的广播通道
// 所有订阅者都会收到每一条消息，包括自己发出的
type Channel interface {
	Post(msg []byte) error
	Subscribe(fn func(msg []byte)) (cancel func())
}

type subscriber struct {
	id uint64
	fn func([]byte)
}

// Bus 进程内的广播通道：Post 不阻塞，消息按投递顺序逐条分发
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	subs   []subscriber
	nextID uint64
	closed bool
	done   chan struct{}
}

// NewBus 创建并启动分发协程
func NewBus() *Bus {
	b := &Bus{done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Post 入队一条消息，立即返回
func (b *Bus) Post(msg []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBridgeClosed
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	b.queue = append(b.queue, cp)
	b.cond.Signal()
	return nil
}

// Subscribe 注册监听，返回的函数用于取消
func (b *Bus) Subscribe(fn func(msg []byte)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.subs {
		if b.subs[i].id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Close 停止接收新消息，已入队的消息分发完毕后退出
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	<-b.done
	return nil
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		msg := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		subs := make([]subscriber, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			s.fn(msg)
		}
	}
}
