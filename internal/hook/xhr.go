package hook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"apimocker/internal/protocol"
	"apimocker/pkg/model"
)

// ReadyState 与浏览器 XMLHttpRequest.readyState 取值一致
type ReadyState int

const (
	Unsent ReadyState = iota
	Opened
	HeadersReceived
	Loading
	Done
)

// 事件类型
const (
	EventReadyStateChange = "readystatechange"
	EventLoad             = "load"
	EventError            = "error"
	EventLoadEnd          = "loadend"
)

type phase int

const (
	phaseUnsent phase = iota
	phaseOpened
	phasePending
	phaseMocked
	phaseReal
)

// Event XHR 事件
type Event struct {
	Type   string
	Target *XHR
}

// Listener 事件回调
type Listener func(Event)

// ListenerID AddEventListener 返回的句柄
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// XHR XMLHttpRequest 的仿真实现
// 状态流转：unsent → opened → pending → completed-mocked | completed-real
type XHR struct {
	h *Hook

	// 事件处理属性，须在 Send 之前设置
	OnReadyStateChange Listener
	OnLoad             Listener
	OnLoadEnd          Listener
	OnError            Listener

	mu         sync.Mutex
	phase      phase
	readyState ReadyState
	method     string
	url        string
	async      bool
	user       string
	password   string
	reqHeader  http.Header

	status      int
	statusText  string
	responseURL string
	respHeader  http.Header
	body        []byte

	listeners map[string][]listenerEntry
	nextID    ListenerID
	done      chan struct{}
}

// NewXHR 创建绑定到 Hook 的 XHR
func (h *Hook) NewXHR() *XHR {
	return &XHR{h: h, listeners: make(map[string][]listenerEntry)}
}

// Open 记录请求行，此时不做任何拦截决策
func (x *XHR) Open(method, rawURL string, async bool, user, password string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.phase == phasePending {
		return ErrInvalidState
	}
	x.phase = phaseOpened
	x.readyState = Opened
	x.method = strings.ToUpper(methodOrGet(method))
	x.url = rawURL
	x.async = async
	x.user = user
	x.password = password
	x.reqHeader = make(http.Header)
	x.status, x.statusText, x.responseURL = 0, "", ""
	x.respHeader = nil
	x.body = nil
	return nil
}

// SetRequestHeader 追加请求头，只能在 Open 之后、Send 之前调用
func (x *XHR) SetRequestHeader(name, value string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.phase != phaseOpened {
		return ErrInvalidState
	}
	x.reqHeader.Add(name, value)
	return nil
}

// AddEventListener 注册监听
func (x *XHR) AddEventListener(typ string, fn Listener) ListenerID {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.nextID++
	x.listeners[typ] = append(x.listeners[typ], listenerEntry{id: x.nextID, fn: fn})
	return x.nextID
}

// RemoveEventListener 移除监听，不存在时忽略
func (x *XHR) RemoveEventListener(typ string, id ListenerID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ls := x.listeners[typ]
	for i := range ls {
		if ls[i].id == id {
			x.listeners[typ] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// DispatchEvent 先调用事件处理属性，再按注册顺序调用监听
func (x *XHR) DispatchEvent(ev Event) {
	if ev.Target == nil {
		ev.Target = x
	}
	x.mu.Lock()
	handler := x.handlerFor(ev.Type)
	ls := append([]listenerEntry(nil), x.listeners[ev.Type]...)
	x.mu.Unlock()

	if handler != nil {
		handler(ev)
	}
	for _, l := range ls {
		l.fn(ev)
	}
}

func (x *XHR) handlerFor(typ string) Listener {
	switch typ {
	case EventReadyStateChange:
		return x.OnReadyStateChange
	case EventLoad:
		return x.OnLoad
	case EventLoadEnd:
		return x.OnLoadEnd
	case EventError:
		return x.OnError
	}
	return nil
}

// Send 发送请求；同步模式下阻塞到完成
func (x *XHR) Send(body []byte) error {
	x.mu.Lock()
	if x.phase != phaseOpened {
		x.mu.Unlock()
		return ErrInvalidState
	}
	x.phase = phasePending
	x.done = make(chan struct{})
	async := x.async
	x.mu.Unlock()

	if async {
		go x.run(body)
		return nil
	}
	x.run(body)
	return nil
}

// Wait 等待本次请求结束（loadend 之后返回）
func (x *XHR) Wait(ctx context.Context) error {
	x.mu.Lock()
	done := x.done
	x.mu.Unlock()
	if done == nil {
		return ErrInvalidState
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *XHR) run(body []byte) {
	defer close(x.done)
	start := time.Now()
	ctx := context.Background()

	x.mu.Lock()
	method, rawURL := x.method, x.url
	reqHeader := x.reqHeader.Clone()
	x.mu.Unlock()

	if x.h.State().Active() {
		if rule := x.h.lookup(ctx, method, rawURL, reqHeader, body); rule != nil {
			_ = sleepCtx(ctx, rule.Delay)
			x.completeMocked(rule, method, rawURL, reqHeader, body, start)
			return
		}
	}
	x.completeReal(ctx, method, rawURL, reqHeader, body, start)
}

func (x *XHR) completeMocked(rule *model.MockRule, method, rawURL string, reqHeader http.Header, body []byte, start time.Time) {
	header := make(http.Header, len(rule.ResponseHeaders))
	for k, v := range rule.ResponseHeaders {
		header.Set(k, v)
	}
	code := statusOf(rule)

	x.mu.Lock()
	x.phase = phaseMocked
	x.readyState = Done
	x.status = code
	x.statusText = http.StatusText(code)
	x.responseURL = x.h.resolve(rawURL)
	x.respHeader = header
	x.body = []byte(rule.ResponseBody)
	x.mu.Unlock()

	x.h.postRecord(mockedPayload(rule, method, rawURL, reqHeader, body, header, time.Since(start)))
	x.DispatchEvent(Event{Type: EventReadyStateChange})
	x.DispatchEvent(Event{Type: EventLoad})
	x.DispatchEvent(Event{Type: EventLoadEnd})
}

func (x *XHR) completeReal(ctx context.Context, method, rawURL string, reqHeader http.Header, body []byte, start time.Time) {
	target := x.h.resolve(rawURL)
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err == nil {
		req.Header = reqHeader
		x.mu.Lock()
		if x.user != "" {
			req.SetBasicAuth(x.user, x.password)
		}
		x.mu.Unlock()
	}
	var resp *http.Response
	if err == nil {
		resp, err = x.h.orig.RoundTrip(req)
	}
	var data []byte
	if err == nil {
		data, err = io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	if err != nil {
		x.h.log.Debug("XHR 真实请求失败", "url", target, "error", err)
		x.mu.Lock()
		x.phase = phaseReal
		x.readyState = Done
		x.status = 0
		x.mu.Unlock()
		x.DispatchEvent(Event{Type: EventReadyStateChange})
		x.DispatchEvent(Event{Type: EventError})
		x.DispatchEvent(Event{Type: EventLoadEnd})
		return
	}

	x.mu.Lock()
	x.phase = phaseReal
	x.readyState = Done
	x.status = resp.StatusCode
	x.statusText = http.StatusText(resp.StatusCode)
	x.responseURL = target
	if resp.Request != nil && resp.Request.URL != nil {
		x.responseURL = resp.Request.URL.String()
	}
	x.respHeader = resp.Header
	x.body = data
	x.mu.Unlock()

	captured := data
	if int64(len(captured)) > x.h.captureLimit {
		captured = captured[:x.h.captureLimit]
	}
	x.h.postRecord(protocol.RecordPayload{
		URL:             rawURL,
		Method:          method,
		StatusCode:      resp.StatusCode,
		Duration:        time.Since(start).Milliseconds(),
		RequestHeaders:  flatten(reqHeader),
		RequestBody:     string(body),
		ResponseHeaders: flatten(resp.Header),
		ResponseBody:    string(captured),
	})
	x.DispatchEvent(Event{Type: EventReadyStateChange})
	x.DispatchEvent(Event{Type: EventLoad})
	x.DispatchEvent(Event{Type: EventLoadEnd})
}

// ReadyState 当前 readyState
func (x *XHR) ReadyState() ReadyState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.readyState
}

// Status HTTP 状态码，未完成或网络错误时为 0
func (x *XHR) Status() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

// StatusText 状态码对应的文本
func (x *XHR) StatusText() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.statusText
}

// ResponseURL 最终响应地址，相对地址已按 Origin 解析
func (x *XHR) ResponseURL() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.responseURL
}

// Response 原始响应体
func (x *XHR) Response() []byte {
	x.mu.Lock()
	defer x.mu.Unlock()
	return bytes.Clone(x.body)
}

// ResponseText 响应体文本
func (x *XHR) ResponseText() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return string(x.body)
}

// Mocked 本次请求是否由规则应答
func (x *XHR) Mocked() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.phase == phaseMocked
}

// GetResponseHeader 大小写不敏感，未完成或不存在时返回空串
func (x *XHR) GetResponseHeader(name string) string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.readyState != Done || x.respHeader == nil {
		return ""
	}
	return strings.Join(x.respHeader.Values(name), ", ")
}

// GetAllResponseHeaders 按浏览器格式输出：小写名称、按名称排序、CRLF 结尾
func (x *XHR) GetAllResponseHeaders() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.readyState != Done || len(x.respHeader) == 0 {
		return ""
	}
	names := make([]string, 0, len(x.respHeader))
	for k := range x.respHeader {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, k := range names {
		b.WriteString(strings.ToLower(k))
		b.WriteString(": ")
		b.WriteString(strings.Join(x.respHeader[k], ", "))
		b.WriteString("\r\n")
	}
	return b.String()
}

// resolve 以 Origin 为基准解析相对地址
func (h *Hook) resolve(raw string) string {
	if h.origin == "" {
		return raw
	}
	base, err := url.Parse(h.origin)
	if err != nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}
