package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"apimocker/pkg/model"
)

// ErrInvalidRule 规则校验失败
var ErrInvalidRule = errors.New("invalid rule")

// scoreWeight 规则列表展示用的得分，与匹配时的类型优先级相互独立
var scoreWeight = map[model.MatchType]int{
	model.MatchExact:    1000,
	model.MatchRegex:    100,
	model.MatchPrefix:   10,
	model.MatchContains: 1,
}

// Score 规则得分：类型基础分，配置请求头 +10000，限定方法 +1000
func Score(r model.MockRule) int {
	score := scoreWeight[r.MatchType]
	if len(r.RequestHeaders) > 0 {
		score += 10000
	}
	if r.Method != model.MethodAll {
		score += 1000
	}
	return score
}

// SortByScore 按得分降序返回副本，仅用于展示
func SortByScore(rules []model.MockRule) []model.MockRule {
	out := make([]model.MockRule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		return Score(out[i]) > Score(out[j])
	})
	return out
}

// ValidatePattern 校验 URL 模式
func ValidatePattern(pattern string, mt model.MatchType) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("%w: empty url pattern", ErrInvalidRule)
	}
	switch mt {
	case model.MatchExact, model.MatchPrefix, model.MatchContains:
		return nil
	case model.MatchRegex:
		if _, err := regexCache.Get(pattern); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown match type %q", ErrInvalidRule, mt)
	}
}

// Validate 校验整条规则
func Validate(r model.MockRule) error {
	if err := ValidatePattern(r.URL, r.MatchType); err != nil {
		return err
	}
	switch r.Method {
	case model.MethodAll, model.MethodGet, model.MethodPost, model.MethodPut, model.MethodDelete,
		model.MethodPatch, model.MethodHead, model.MethodOptions:
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidRule, r.Method)
	}
	if r.StatusCode < 100 || r.StatusCode > 599 {
		return fmt.Errorf("%w: status code %d out of range", ErrInvalidRule, r.StatusCode)
	}
	if r.Delay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidRule)
	}
	if bm := r.RequestBodyMatch; bm != nil && bm.Enabled {
		switch bm.MatchType {
		case model.BodyMatchNone, model.BodyMatchJSON, model.BodyMatchText, model.BodyMatchFormData:
		default:
			return fmt.Errorf("%w: unknown body match type %q", ErrInvalidRule, bm.MatchType)
		}
	}
	return nil
}
