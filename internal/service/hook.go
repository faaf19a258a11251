package service

import (
	"net/http"
	"time"

	"apimocker/internal/bridge"
	"apimocker/internal/hook"
	"apimocker/pkg/model"
)

// HookClient 在进程内搭建 Bus 桥接与页面钩子，返回经由钩子发送请求的客户端。
// 命中规则时返回构造的响应，否则交给 transport（为空时使用默认传输层）；请求记录写入存储。
// 返回的 closer 会等待记录写完
func (s *Service) HookClient(transport http.RoundTripper, cfg model.SessionConfig) (*http.Client, func()) {
	timeout := time.Duration(cfg.LookupTimeoutMS) * time.Millisecond
	bus := bridge.NewBus()
	br := bridge.New(bridge.Options{
		Channel:     bus,
		Source:      s.dist,
		Sink:        s.store,
		Logger:      s.log,
		LoadTimeout: timeout,
		BodyLimit:   cfg.BodySizeThreshold,
	})
	h := hook.New(hook.Options{
		Channel:       bus,
		Transport:     transport,
		Logger:        s.log,
		LookupTimeout: timeout,
		CaptureLimit:  cfg.BodySizeThreshold,
	})
	unsub := s.dist.Subscribe(br)
	// SET_MODE 经通道异步到达，首个请求之前先同步一次
	if snap, ok := br.Snapshot(); ok {
		h.SetState(snap.Mode())
	}
	return h.Client(), func() {
		unsub()
		h.Close()
		_ = bus.Close()
		br.Close()
	}
}
