package rules

import (
	"sort"
	"strings"
	"sync/atomic"

	"apimocker/internal/logger"
	"apimocker/pkg/model"
	"apimocker/pkg/traffic"
)

// typeWeight 匹配类型的粗粒度优先级：exact > regex > prefix > contains
var typeWeight = map[model.MatchType]int{
	model.MatchExact:    4,
	model.MatchRegex:    3,
	model.MatchPrefix:   2,
	model.MatchContains: 1,
}

// Matcher 规则匹配器，无状态、无 I/O
type Matcher struct {
	log logger.Logger
}

// NewMatcher 创建匹配器
func NewMatcher(l logger.Logger) *Matcher {
	if l == nil {
		l = logger.NewNop()
	}
	return &Matcher{log: l}
}

// FindMatchingRule 按类型优先级返回第一条命中的规则，未命中返回 nil
func (m *Matcher) FindMatchingRule(req *traffic.Request, rules []model.MockRule) *model.MockRule {
	if req == nil || len(rules) == 0 {
		return nil
	}
	enabled := make([]*model.MockRule, 0, len(rules))
	for i := range rules {
		if rules[i].Enabled {
			enabled = append(enabled, &rules[i])
		}
	}
	// 排序的是副本，快照本身保持不变
	sort.SliceStable(enabled, func(a, b int) bool {
		return typeWeight[enabled[a].MatchType] > typeWeight[enabled[b].MatchType]
	})

	urls := candidateURLs(req.URL)
	for _, r := range enabled {
		if m.matchRule(req, urls, r) {
			out := r.Clone()
			return &out
		}
	}
	return nil
}

// FindAllMatchingRules 返回所有命中的启用规则，保持原始顺序，用于预览
func (m *Matcher) FindAllMatchingRules(req *traffic.Request, rules []model.MockRule) []model.MockRule {
	if req == nil {
		return nil
	}
	urls := candidateURLs(req.URL)
	var out []model.MockRule
	for i := range rules {
		r := &rules[i]
		if r.Enabled && m.matchRule(req, urls, r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (m *Matcher) matchRule(req *traffic.Request, urls []string, r *model.MockRule) bool {
	return m.matchURL(urls, r) &&
		matchMethod(req.Method, r.Method) &&
		matchHeaders(req.Headers, r.RequestHeaders) &&
		m.matchBody(req, r.RequestBodyMatch)
}

// matchMethod ALL 总是通过，否则大小写不敏感比较
func matchMethod(method string, ruleMethod model.Method) bool {
	if ruleMethod == model.MethodAll {
		return true
	}
	if method == "" {
		method = "GET"
	}
	return strings.EqualFold(method, string(ruleMethod))
}

// matchHeaders 规则中的每个请求头都必须存在且值完全相等
func matchHeaders(h traffic.Header, ruleHeaders map[string]string) bool {
	if len(ruleHeaders) == 0 {
		return true
	}
	for k, want := range ruleHeaders {
		got, ok := h.Lookup(k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Engine 持有可原子替换的配置快照
type Engine struct {
	matcher *Matcher
	cfg     atomic.Pointer[model.InterceptorConfig]
}

// New 创建规则引擎
func New(cfg model.InterceptorConfig, l logger.Logger) *Engine {
	e := &Engine{matcher: NewMatcher(l)}
	e.Update(cfg)
	return e
}

// Update 整体替换配置快照
func (e *Engine) Update(cfg model.InterceptorConfig) {
	snap := cfg.Clone()
	e.cfg.Store(&snap)
}

// Snapshot 当前快照，调用方不得修改
func (e *Engine) Snapshot() model.InterceptorConfig {
	return *e.cfg.Load()
}

// Match 在当前快照上查找规则，全局关闭时不匹配
func (e *Engine) Match(req *traffic.Request) *model.MockRule {
	snap := e.cfg.Load()
	if !snap.Enabled {
		return nil
	}
	return e.matcher.FindMatchingRule(req, snap.Rules)
}

// MatchAll 预览所有命中的规则
func (e *Engine) MatchAll(req *traffic.Request) []model.MockRule {
	snap := e.cfg.Load()
	return e.matcher.FindAllMatchingRules(req, snap.Rules)
}

// Matcher 返回底层匹配器
func (e *Engine) Matcher() *Matcher { return e.matcher }
