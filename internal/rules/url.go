package rules

import (
	"net/url"
	"strings"

	"apimocker/pkg/model"
)

// NormalizeURL 绝对 URL 转换为 path+query+fragment，其它输入原样返回
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return raw
	}
	out := u.EscapedPath()
	if out == "" {
		out = "/"
	}
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		out += "#" + u.EscapedFragment()
	}
	return out
}

// candidateURLs 原始 URL 与规范化 URL，二者相同时只保留一个
func candidateURLs(raw string) []string {
	norm := NormalizeURL(raw)
	if norm == raw {
		return []string{raw}
	}
	return []string{raw, norm}
}

func (m *Matcher) matchURL(urls []string, r *model.MockRule) bool {
	switch r.MatchType {
	case model.MatchExact:
		return matchExact(urls, r.URL)
	case model.MatchPrefix:
		return matchPrefix(urls, r.URL)
	case model.MatchContains:
		return matchContains(urls, r.URL)
	case model.MatchRegex:
		re, err := regexCache.Get(r.URL)
		if err != nil {
			m.log.Debug("规则正则无效，跳过", "rule", r.ID, "pattern", r.URL, "error", err)
			return false
		}
		for _, u := range urls {
			if re.MatchString(u) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// matchExact 原样相等，或两侧规范化后相等
func matchExact(urls []string, pattern string) bool {
	normPattern := NormalizeURL(pattern)
	if urls[0] == pattern {
		return true
	}
	return NormalizeURL(urls[0]) == normPattern
}

// matchPrefix 去掉末尾一个 *，原始或规范化 URL 以原始或规范化模式开头
func matchPrefix(urls []string, pattern string) bool {
	p := strings.TrimSuffix(pattern, "*")
	patterns := []string{p}
	if np := NormalizeURL(p); np != p {
		patterns = append(patterns, np)
	}
	for _, u := range urls {
		for _, pp := range patterns {
			if strings.HasPrefix(u, pp) {
				return true
			}
		}
	}
	return false
}

// matchContains 去掉首尾的 *，做子串匹配
func matchContains(urls []string, pattern string) bool {
	p := strings.Trim(pattern, "*")
	for _, u := range urls {
		if strings.Contains(u, p) {
			return true
		}
	}
	return false
}
