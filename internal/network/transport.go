package network

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"apimocker/pkg/traffic"
)

// TransportPipeline 进程内的网络管道，以 http.RoundTripper 形式工作
// 被重定向到 data: 地址的请求返回 200，仅携带替换资源的 Content-Type
type TransportPipeline struct {
	base http.RoundTripper

	mu        sync.RWMutex
	listeners []Listener
}

// NewTransportPipeline 创建管道，base 为空时使用默认传输层
func NewTransportPipeline(base http.RoundTripper) *TransportPipeline {
	if base == nil {
		base = http.DefaultTransport
	}
	return &TransportPipeline{base: base}
}

func (p *TransportPipeline) AddListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cur := range p.listeners {
		if cur == l {
			return
		}
	}
	p.listeners = append(p.listeners, l)
}

func (p *TransportPipeline) RemoveListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.listeners {
		if cur == l {
			p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
			return
		}
	}
}

func (p *TransportPipeline) HasListener(l Listener) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cur := range p.listeners {
		if cur == l {
			return true
		}
	}
	return false
}

// Len 已注册的监听数量
func (p *TransportPipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.listeners)
}

// RoundTrip 依次询问监听，首个重定向生效
func (p *TransportPipeline) RoundTrip(req *http.Request) (*http.Response, error) {
	p.mu.RLock()
	ls := append([]Listener(nil), p.listeners...)
	p.mu.RUnlock()
	if len(ls) == 0 {
		return p.base.RoundTrip(req)
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}
	d := &Details{
		RequestID: uuid.NewString(),
		URL:       req.URL.String(),
		Method:    req.Method,
		Headers:   traffic.HeaderFromHTTP(req.Header),
		Body:      body,
	}
	for _, l := range ls {
		br := l.OnBeforeRequest(d)
		if br == nil || br.RedirectURL == "" {
			continue
		}
		mime, data, err := DecodeSubstitute(br.RedirectURL)
		if err != nil {
			return nil, fmt.Errorf("decode substitute: %w", err)
		}
		return &http.Response{
			Status:        "200 OK",
			StatusCode:    http.StatusOK,
			Proto:         "HTTP/1.1",
			ProtoMajor:    1,
			ProtoMinor:    1,
			Header:        http.Header{"Content-Type": {mime}},
			Body:          io.NopCloser(bytes.NewReader(data)),
			ContentLength: int64(len(data)),
			Request:       req,
		}, nil
	}

	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
	} else if req.Body != nil {
		out.Body = http.NoBody
		out.ContentLength = 0
	}
	return p.base.RoundTrip(out)
}
