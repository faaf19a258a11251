package traffic

import (
	"net/http"
	"strings"
)

// Header 封装通用的头部操作，键统一为小写
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Lookup 获取指定 Header，并返回是否存在
func (h Header) Lookup(key string) (string, bool) {
	if h == nil {
		return "", false
	}
	v, ok := h[strings.ToLower(key)]
	return v, ok
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// HeaderFrom 从任意大小写的 map 构造 Header
func HeaderFrom(m map[string]string) Header {
	h := make(Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// HeaderFromHTTP 从 net/http Header 构造，多值取第一个
func HeaderFromHTTP(hh http.Header) Header {
	h := make(Header, len(hh))
	for k, vs := range hh {
		if len(vs) > 0 {
			h.Set(k, vs[0])
		}
	}
	return h
}

// Request 中立的请求模型
type Request struct {
	ID           string // 事务唯一ID
	URL          string // 完整URL或相对路径
	Method       string // HTTP方法
	Headers      Header // 请求头
	Body         []byte // 请求体原始数据，空表示无请求体
	ResourceType string // 资源类型 (如 Document, XHR)
}

// Response 中立的响应模型
type Response struct {
	StatusCode int    // 状态码
	Headers    Header // 响应头
	Body       []byte // 响应体数据
}

// NewRequest 创建初始化请求对象
func NewRequest(url, method string) *Request {
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		URL:     url,
		Method:  method,
		Headers: make(Header),
	}
}

// HasBody 是否携带请求体
func (r *Request) HasBody() bool {
	return len(r.Body) > 0
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}
