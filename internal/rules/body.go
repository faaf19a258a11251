package rules

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"apimocker/pkg/model"
	"apimocker/pkg/traffic"
)

// matchBody 请求体条件；未启用或 none 时直接通过，无请求体时失败
func (m *Matcher) matchBody(req *traffic.Request, bm *model.RequestBodyMatcher) bool {
	if bm == nil || !bm.Enabled || bm.MatchType == model.BodyMatchNone || bm.MatchType == "" {
		return true
	}
	if !req.HasBody() {
		return false
	}
	switch bm.MatchType {
	case model.BodyMatchJSON:
		return matchJSONBody(req.Body, bm.Pattern, bm.Value)
	case model.BodyMatchText:
		return matchTextBody(req.Body, bm.Pattern)
	case model.BodyMatchFormData:
		return matchFormBody(req.Body, bm.Pattern, bm.Value)
	default:
		m.log.Debug("未知的请求体匹配类型", "type", bm.MatchType)
		return false
	}
}

func matchJSONBody(body []byte, pattern string, value *string) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	res := gjson.GetBytes(body, toGJSONPath(pattern))
	if !res.Exists() {
		return false
	}
	if value == nil {
		return true
	}
	return stringForm(res) == *value
}

func matchTextBody(body []byte, pattern string) bool {
	re, err := regexCache.Get(pattern)
	if err != nil {
		return strings.Contains(string(body), pattern)
	}
	return re.Match(body)
}

func matchFormBody(body []byte, field string, value *string) bool {
	got, ok := formValue(string(body), field)
	if !ok {
		return false
	}
	return value == nil || got == *value
}

// formValue 按 application/x-www-form-urlencoded 规则取字段的第一个值，只以 & 分隔
func formValue(body, field string) (string, bool) {
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		name, val, _ := strings.Cut(pair, "=")
		if formUnescape(name) == field {
			return formUnescape(val), true
		}
	}
	return "", false
}

// formUnescape 解码失败时保留原文，仅把 + 换成空格
func formUnescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return strings.ReplaceAll(s, "+", " ")
}

// toGJSONPath 将 a.b[0].c 形式的路径转换为 gjson 路径 a.b.0.c
func toGJSONPath(p string) string {
	var segs []string
	for _, part := range strings.Split(p, ".") {
		if part == "" {
			continue
		}
		key := part
		var idx []string
		if i := strings.IndexByte(part, '['); i >= 0 && strings.HasSuffix(part, "]") {
			key = part[:i]
			idx = strings.Split(strings.TrimSuffix(part[i+1:], "]"), "][")
		}
		if key != "" {
			segs = append(segs, escapeGJSON(key))
		}
		segs = append(segs, idx...)
	}
	return strings.Join(segs, ".")
}

// escapeGJSON 转义 gjson 路径中的特殊字符
func escapeGJSON(key string) string {
	var b strings.Builder
	for _, c := range key {
		switch c {
		case '\\', '*', '?', '|', '#', '@', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// stringForm 取值的字符串形式，与 JS String(value) 一致：数组按逗号拼接，对象为 [object Object]
func stringForm(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return formatFloat(r.Num)
	case gjson.True:
		return "true"
	case gjson.False:
		return "false"
	case gjson.Null:
		return "null"
	}
	if r.IsArray() {
		items := r.Array()
		parts := make([]string, len(items))
		for i, it := range items {
			// 数组元素中的 null 拼接为空串
			if it.Type != gjson.Null {
				parts[i] = stringForm(it)
			}
		}
		return strings.Join(parts, ",")
	}
	return "[object Object]"
}

func formatFloat(f float64) string {
	if float64(int64(f)) == f {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
