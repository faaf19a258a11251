package cdp

import (
	"encoding/json"

	"github.com/mafredri/cdp/protocol/fetch"

	"apimocker/internal/network"
	"apimocker/pkg/traffic"
)

// ToDetails 将 CDP 拦截事件转换为网络层请求详情
func ToDetails(ev *fetch.RequestPausedReply) *network.Details {
	return &network.Details{
		RequestID:    string(ev.RequestID),
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		Headers:      toHeader(ev.Request.Headers),
		Body:         requestBody(ev),
		ResourceType: string(ev.ResourceType),
	}
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	return entries
}

func toHeader(raw []byte) traffic.Header {
	h := traffic.Header{}
	if len(raw) == 0 {
		return h
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return h
	}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// requestBody 请求体，无请求体时返回 nil
func requestBody(ev *fetch.RequestPausedReply) []byte {
	if ev.Request.PostData == nil || *ev.Request.PostData == "" {
		return nil
	}
	return []byte(*ev.Request.PostData)
}
