package hook

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"apimocker/internal/bridge"
	"apimocker/internal/logger"
	"apimocker/internal/protocol"
	"apimocker/pkg/model"
)

// Script 注入页面的 Hook 脚本，运行在任何页面脚本之前
//
//go:embed inject.js
var Script string

// DefaultCaptureLimit 透传记录中保留的响应体上限
const DefaultCaptureLimit = 1 << 20

// ErrInvalidState 对象状态不允许当前操作
var ErrInvalidState = errors.New("invalid state")

// Options Hook 配置
type Options struct {
	Channel       bridge.Channel
	Transport     http.RoundTripper // 原始传输层，未命中时使用
	Logger        logger.Logger
	LookupTimeout time.Duration
	CaptureLimit  int64
	Origin        string // 解析 XHR 相对地址
}

// Hook 页面上下文的请求钩子，作为 http.RoundTripper 替换 fetch
type Hook struct {
	ch           bridge.Channel
	client       *bridge.Client
	orig         http.RoundTripper
	log          logger.Logger
	captureLimit int64
	origin       string

	state  atomic.Pointer[model.ModeState]
	cancel func()
	wg     sync.WaitGroup
}

// New 创建 Hook，初始状态为启用、页面模式
func New(opts Options) *Hook {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	orig := opts.Transport
	if orig == nil {
		orig = http.DefaultTransport
	}
	limit := opts.CaptureLimit
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}
	h := &Hook{
		ch:           opts.Channel,
		client:       bridge.NewClient(opts.Channel, opts.LookupTimeout, l),
		orig:         orig,
		log:          l,
		captureLimit: limit,
		origin:       opts.Origin,
	}
	h.SetState(model.DefaultModeState())
	h.cancel = opts.Channel.Subscribe(h.onMessage)
	return h
}

// State 当前模式
func (h *Hook) State() model.ModeState { return *h.state.Load() }

// SetState 替换模式
func (h *Hook) SetState(s model.ModeState) {
	h.state.Store(&s)
}

// Client 返回使用 Hook 的 http.Client
func (h *Hook) Client() *http.Client {
	return &http.Client{Transport: h}
}

// Close 取消订阅，并等待已产生的记录投递到通道
func (h *Hook) Close() {
	h.cancel()
	h.wg.Wait()
	h.client.Close()
}

func (h *Hook) onMessage(msg []byte) {
	if protocol.TypeOf(msg) != protocol.TypeSetMode {
		return
	}
	s, err := protocol.DecodeSetMode(msg)
	if err != nil {
		return
	}
	h.SetState(s)
	h.log.Debug("页面拦截模式已更新", "enabled", s.Enabled, "mode", s.InterceptMode)
}

// RoundTrip 拦截一次请求：命中规则时返回构造的响应，否则交给原始传输层
func (h *Hook) RoundTrip(req *http.Request) (*http.Response, error) {
	if !h.State().Active() {
		return h.orig.RoundTrip(req)
	}
	start := time.Now()

	body, err := drainBody(req)
	if err != nil {
		return nil, err
	}
	rule := h.lookup(req.Context(), req.Method, req.URL.String(), req.Header, body)
	if rule != nil {
		if err := sleepCtx(req.Context(), rule.Delay); err != nil {
			return nil, err
		}
		resp := mockResponse(req, rule)
		h.postRecord(mockedPayload(rule, req.Method, req.URL.String(), req.Header, body, resp.Header, time.Since(start)))
		return resp, nil
	}

	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
		out.ContentLength = int64(len(body))
	} else if req.Body != nil {
		out.Body = http.NoBody
		out.GetBody = nil
		out.ContentLength = 0
	}
	resp, err := h.orig.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	method, url := req.Method, req.URL.String()
	reqHeader := req.Header.Clone()
	resp.Body = newRecordingBody(resp.Body, h.captureLimit, func(captured []byte) {
		h.postRecord(protocol.RecordPayload{
			URL:             url,
			Method:          methodOrGet(method),
			StatusCode:      resp.StatusCode,
			Duration:        time.Since(start).Milliseconds(),
			RequestHeaders:  flatten(reqHeader),
			RequestBody:     string(body),
			ResponseHeaders: flatten(resp.Header),
			ResponseBody:    string(captured),
		})
	})
	return resp, nil
}

func (h *Hook) lookup(ctx context.Context, method, url string, header http.Header, body []byte) *model.MockRule {
	return h.client.QueryRule(ctx, protocol.Query{
		URL:     url,
		Method:  methodOrGet(method),
		Headers: flatten(header),
		Body:    string(body),
	})
}

// postRecord 异步上报，不阻塞调用方
func (h *Hook) postRecord(p protocol.RecordPayload) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		msg, err := protocol.EncodeRecord(p)
		if err != nil {
			h.log.Err(err, "构造请求记录失败", "url", p.URL)
			return
		}
		if err := h.ch.Post(msg); err != nil {
			h.log.Debug("上报请求记录失败", "url", p.URL, "error", err)
		}
	}()
}

func mockResponse(req *http.Request, rule *model.MockRule) *http.Response {
	code := statusOf(rule)
	header := make(http.Header, len(rule.ResponseHeaders)+1)
	for k, v := range rule.ResponseHeaders {
		header.Set(k, v)
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "text/plain;charset=UTF-8")
	}
	body := []byte(rule.ResponseBody)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", code, http.StatusText(code)),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func mockedPayload(rule *model.MockRule, method, url string, reqHeader http.Header, reqBody []byte, respHeader http.Header, d time.Duration) protocol.RecordPayload {
	return protocol.RecordPayload{
		URL:             url,
		Method:          methodOrGet(method),
		IsMocked:        true,
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		StatusCode:      statusOf(rule),
		Duration:        d.Milliseconds(),
		RequestHeaders:  flatten(reqHeader),
		RequestBody:     string(reqBody),
		ResponseHeaders: flatten(respHeader),
		ResponseBody:    rule.ResponseBody,
	}
}

func statusOf(rule *model.MockRule) int {
	if rule.StatusCode == 0 {
		return http.StatusOK
	}
	return rule.StatusCode
}

func methodOrGet(m string) string {
	if m == "" {
		return http.MethodGet
	}
	return m
}

// drainBody 读出请求体并关闭，无请求体返回 nil
func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	return b, nil
}

func sleepCtx(ctx context.Context, ms int) error {
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func flatten(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
