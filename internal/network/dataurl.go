package network

import (
	"encoding/base64"
	"errors"
	"net/url"
	"strings"

	"apimocker/pkg/model"
)

// ErrNotDataURL 不是 data: 地址
var ErrNotDataURL = errors.New("not a data url")

// MimeOf 替换资源的 MIME 类型
func MimeOf(rt model.ResponseType) string {
	switch rt {
	case model.ResponseJSON:
		return "application/json"
	case model.ResponseHTML:
		return "text/html"
	default:
		return "text/plain"
	}
}

// SubstituteURL 将规则的响应体编码为 data: 地址
func SubstituteURL(rule *model.MockRule) string {
	return "data:" + MimeOf(rule.ResponseType) + ";charset=utf-8," + encodeURIComponent(rule.ResponseBody)
}

// DecodeSubstitute 解析 data: 地址，返回媒体类型（含参数）和内容
func DecodeSubstitute(raw string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return "", nil, ErrNotDataURL
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrNotDataURL
	}
	isBase64 := false
	if m, found := strings.CutSuffix(meta, ";base64"); found {
		meta, isBase64 = m, true
	}
	if meta == "" {
		meta = "text/plain;charset=US-ASCII"
	}
	if isBase64 {
		b, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return "", nil, err
		}
		return meta, b, nil
	}
	s, err := url.PathUnescape(data)
	if err != nil {
		return "", nil, err
	}
	return meta, []byte(s), nil
}

// encodeURIComponent 与浏览器同名函数保持一致的百分号编码
func encodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreservedComponent(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func unreservedComponent(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
