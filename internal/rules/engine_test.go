package rules

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apimocker/pkg/model"
	"apimocker/pkg/traffic"
)

func strPtr(s string) *string { return &s }

func rule(id string, mt model.MatchType, url string) model.MockRule {
	return model.MockRule{
		ID:         model.RuleID(id),
		Name:       id,
		Enabled:    true,
		URL:        url,
		MatchType:  mt,
		Method:     model.MethodAll,
		StatusCode: 200,
	}
}

func get(url string) *traffic.Request {
	return traffic.NewRequest(url, "GET")
}

func TestFindMatchingRule_Exact(t *testing.T) {
	m := NewMatcher(nil)
	tests := []struct {
		name    string
		pattern string
		url     string
		want    bool
	}{
		{"verbatim", "/api/user", "/api/user", true},
		{"absolute request, relative rule", "/api/user", "https://example.com/api/user", true},
		{"relative request, absolute rule", "https://example.com/api/user", "/api/user", true},
		{"both absolute", "https://a.com/api/user?x=1", "https://a.com/api/user?x=1", true},
		{"query differs", "/api/user", "/api/user?id=1", false},
		{"different path", "/api/user", "/api/users", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.FindMatchingRule(get(tt.url), []model.MockRule{rule("r", model.MatchExact, tt.pattern)})
			assert.Equal(t, tt.want, got != nil)
		})
	}
}

func TestFindMatchingRule_Prefix(t *testing.T) {
	m := NewMatcher(nil)
	rs := []model.MockRule{rule("p", model.MatchPrefix, "/api/*")}

	assert.NotNil(t, m.FindMatchingRule(get("/api/list"), rs))
	assert.NotNil(t, m.FindMatchingRule(get("https://example.com/api/list?page=2"), rs))
	assert.Nil(t, m.FindMatchingRule(get("/v2/api/list"), rs))

	abs := []model.MockRule{rule("p", model.MatchPrefix, "https://example.com/api")}
	assert.NotNil(t, m.FindMatchingRule(get("/api/items"), abs))
}

func TestFindMatchingRule_Contains(t *testing.T) {
	m := NewMatcher(nil)
	rs := []model.MockRule{rule("c", model.MatchContains, "*foo*")}
	for _, u := range []string{"foo", "/a/foo/b", "https://x.com/?q=foo", "xfoox"} {
		assert.NotNil(t, m.FindMatchingRule(get(u), rs), u)
	}
	assert.Nil(t, m.FindMatchingRule(get("/bar"), rs))
}

func TestFindMatchingRule_Regex(t *testing.T) {
	m := NewMatcher(nil)
	rs := []model.MockRule{rule("re", model.MatchRegex, `^/api/users/\d+$`)}
	assert.NotNil(t, m.FindMatchingRule(get("/api/users/42"), rs))
	assert.NotNil(t, m.FindMatchingRule(get("https://example.com/api/users/42"), rs))
	assert.Nil(t, m.FindMatchingRule(get("/api/users/abc"), rs))
}

func TestFindMatchingRule_InvalidRegexNeverMatches(t *testing.T) {
	m := NewMatcher(nil)
	rs := []model.MockRule{rule("bad", model.MatchRegex, `([a-z`)}
	for _, u := range []string{"", "/", "([a-z", "https://example.com/anything"} {
		assert.NotPanics(t, func() {
			assert.Nil(t, m.FindMatchingRule(get(u), rs))
		})
	}
}

func TestFindMatchingRule_DisabledNeverReturned(t *testing.T) {
	m := NewMatcher(nil)
	r := rule("off", model.MatchExact, "/api/user")
	r.Enabled = false
	assert.Nil(t, m.FindMatchingRule(get("/api/user"), []model.MockRule{r}))
	assert.Empty(t, m.FindAllMatchingRules(get("/api/user"), []model.MockRule{r}))
}

func TestFindMatchingRule_TypePriority(t *testing.T) {
	m := NewMatcher(nil)
	rs := []model.MockRule{
		rule("contains", model.MatchContains, "user"),
		rule("prefix", model.MatchPrefix, "/api"),
		rule("regex", model.MatchRegex, "user$"),
		rule("exact", model.MatchExact, "/api/user"),
	}
	got := m.FindMatchingRule(get("/api/user"), rs)
	require.NotNil(t, got)
	assert.Equal(t, model.RuleID("exact"), got.ID)

	got = m.FindMatchingRule(get("/api/user/1"), rs)
	require.NotNil(t, got)
	assert.Equal(t, model.RuleID("prefix"), got.ID)

	// 原始顺序不受排序影响
	assert.Equal(t, model.RuleID("contains"), rs[0].ID)
}

func TestFindMatchingRule_SameTypeKeepsOrder(t *testing.T) {
	m := NewMatcher(nil)
	rs := []model.MockRule{
		rule("first", model.MatchContains, "api"),
		rule("second", model.MatchContains, "api"),
	}
	got := m.FindMatchingRule(get("/api"), rs)
	require.NotNil(t, got)
	assert.Equal(t, model.RuleID("first"), got.ID)
}

func TestFindMatchingRule_Method(t *testing.T) {
	m := NewMatcher(nil)
	r := rule("post", model.MatchExact, "/api/list")
	r.Method = model.MethodPost
	rs := []model.MockRule{r}

	assert.NotNil(t, m.FindMatchingRule(traffic.NewRequest("/api/list", "post"), rs))
	assert.Nil(t, m.FindMatchingRule(traffic.NewRequest("/api/list", "GET"), rs))
	assert.Nil(t, m.FindMatchingRule(traffic.NewRequest("/api/list", ""), rs))
}

func TestFindMatchingRule_Headers(t *testing.T) {
	m := NewMatcher(nil)
	r := rule("auth", model.MatchExact, "/api/me")
	r.RequestHeaders = map[string]string{"Authorization": "Bearer x"}
	rs := []model.MockRule{r}

	missing := get("/api/me")
	assert.Nil(t, m.FindMatchingRule(missing, rs))

	lower := get("/api/me")
	lower.Headers.Set("authorization", "Bearer x")
	assert.NotNil(t, m.FindMatchingRule(lower, rs))

	upper := get("/api/me")
	upper.Headers = traffic.HeaderFrom(map[string]string{"AUTHORIZATION": "Bearer x"})
	assert.NotNil(t, m.FindMatchingRule(upper, rs))

	wrong := get("/api/me")
	wrong.Headers.Set("Authorization", "Bearer y")
	assert.Nil(t, m.FindMatchingRule(wrong, rs))
}

func TestFindMatchingRule_JSONBody(t *testing.T) {
	m := NewMatcher(nil)
	r := rule("json", model.MatchExact, "/api/user")
	r.RequestBodyMatch = &model.RequestBodyMatcher{
		Enabled: true, MatchType: model.BodyMatchJSON, Pattern: "user.id", Value: strPtr("42"),
	}
	rs := []model.MockRule{r}

	withBody := func(body string) *traffic.Request {
		req := traffic.NewRequest("/api/user", "POST")
		req.Body = []byte(body)
		return req
	}

	assert.NotNil(t, m.FindMatchingRule(withBody(`{"user":{"id":"42"}}`), rs))
	assert.NotNil(t, m.FindMatchingRule(withBody(`{"user":{"id":42}}`), rs))
	assert.Nil(t, m.FindMatchingRule(withBody(`{"user":{"id":"7"}}`), rs))
	assert.Nil(t, m.FindMatchingRule(withBody(`user=42`), rs))
	assert.Nil(t, m.FindMatchingRule(traffic.NewRequest("/api/user", "POST"), rs))
}

func TestFindMatchingRule_JSONBodyArrayIndexAndPresence(t *testing.T) {
	m := NewMatcher(nil)
	r := rule("arr", model.MatchContains, "orders")
	r.RequestBodyMatch = &model.RequestBodyMatcher{
		Enabled: true, MatchType: model.BodyMatchJSON, Pattern: "items[1].sku",
	}
	rs := []model.MockRule{r}

	req := traffic.NewRequest("/orders", "POST")
	req.Body = []byte(`{"items":[{"sku":"a"},{"sku":null}]}`)
	assert.NotNil(t, m.FindMatchingRule(req, rs), "null is defined")

	req.Body = []byte(`{"items":[{"sku":"a"}]}`)
	assert.Nil(t, m.FindMatchingRule(req, rs))
}

func TestFindMatchingRule_TextBody(t *testing.T) {
	m := NewMatcher(nil)
	re := rule("re", model.MatchContains, "search")
	re.RequestBodyMatch = &model.RequestBodyMatcher{Enabled: true, MatchType: model.BodyMatchText, Pattern: `q=\w+`}
	sub := rule("sub", model.MatchContains, "search")
	sub.RequestBodyMatch = &model.RequestBodyMatcher{Enabled: true, MatchType: model.BodyMatchText, Pattern: `(open`}

	req := traffic.NewRequest("/search", "POST")
	req.Body = []byte("q=phone")
	assert.NotNil(t, m.FindMatchingRule(req, []model.MockRule{re}))

	req.Body = []byte("text with (open paren")
	assert.NotNil(t, m.FindMatchingRule(req, []model.MockRule{sub}), "invalid regex falls back to substring")

	req.Body = []byte("closed")
	assert.Nil(t, m.FindMatchingRule(req, []model.MockRule{sub}))
}

func TestFindMatchingRule_FormBody(t *testing.T) {
	m := NewMatcher(nil)
	val := rule("val", model.MatchExact, "/login")
	val.RequestBodyMatch = &model.RequestBodyMatcher{Enabled: true, MatchType: model.BodyMatchFormData, Pattern: "user", Value: strPtr("alice")}
	presence := rule("presence", model.MatchExact, "/login")
	presence.RequestBodyMatch = &model.RequestBodyMatcher{Enabled: true, MatchType: model.BodyMatchFormData, Pattern: "token"}

	req := traffic.NewRequest("/login", "POST")
	req.Body = []byte("user=alice&token=")
	assert.NotNil(t, m.FindMatchingRule(req, []model.MockRule{val}))
	assert.NotNil(t, m.FindMatchingRule(req, []model.MockRule{presence}))

	req.Body = []byte("user=bob")
	assert.Nil(t, m.FindMatchingRule(req, []model.MockRule{val}))
	assert.Nil(t, m.FindMatchingRule(req, []model.MockRule{presence}))
}

func TestFindMatchingRule_FormBodySplitsOnlyOnAmpersand(t *testing.T) {
	m := NewMatcher(nil)
	semi := rule("semi", model.MatchExact, "/form")
	semi.RequestBodyMatch = &model.RequestBodyMatcher{Enabled: true, MatchType: model.BodyMatchFormData, Pattern: "a", Value: strPtr("1;b=2")}
	space := rule("space", model.MatchExact, "/form")
	space.RequestBodyMatch = &model.RequestBodyMatcher{Enabled: true, MatchType: model.BodyMatchFormData, Pattern: "full name", Value: strPtr("ada lovelace")}

	req := traffic.NewRequest("/form", "POST")
	req.Body = []byte("a=1;b=2&c=3")
	assert.NotNil(t, m.FindMatchingRule(req, []model.MockRule{semi}))

	req.Body = []byte("full+name=ada+lovelace&full+name=other")
	assert.NotNil(t, m.FindMatchingRule(req, []model.MockRule{space}), "first occurrence wins")

	req.Body = []byte("full%20name=other&full+name=ada+lovelace")
	assert.Nil(t, m.FindMatchingRule(req, []model.MockRule{space}))
}

func TestFormValue(t *testing.T) {
	cases := []struct {
		body, field, want string
		ok                bool
	}{
		{"a=1;b=2&c=3", "c", "3", true},
		{"flag&x=1", "flag", "", true},
		{"&&x=%41", "x", "A", true},
		{"x=100%", "x", "100%", true},
		{"x=1", "y", "", false},
	}
	for _, c := range cases {
		got, ok := formValue(c.body, c.field)
		assert.Equal(t, c.ok, ok, c.body)
		assert.Equal(t, c.want, got, c.body)
	}
}

func TestFindMatchingRule_JSONBodyCompositeStringForm(t *testing.T) {
	m := NewMatcher(nil)
	arr := rule("arr", model.MatchExact, "/j")
	arr.RequestBodyMatch = &model.RequestBodyMatcher{Enabled: true, MatchType: model.BodyMatchJSON, Pattern: "ids", Value: strPtr("1,2,,x")}
	obj := rule("obj", model.MatchExact, "/j")
	obj.RequestBodyMatch = &model.RequestBodyMatcher{Enabled: true, MatchType: model.BodyMatchJSON, Pattern: "meta", Value: strPtr("[object Object]")}

	req := traffic.NewRequest("/j", "POST")
	req.Body = []byte(`{"ids":[1,2,null,"x"],"meta":{"k":1}}`)
	assert.NotNil(t, m.FindMatchingRule(req, []model.MockRule{arr}))
	assert.NotNil(t, m.FindMatchingRule(req, []model.MockRule{obj}))
}

func TestFindMatchingRule_BodyMatcherDisabledOrNone(t *testing.T) {
	m := NewMatcher(nil)
	disabled := rule("d", model.MatchExact, "/x")
	disabled.RequestBodyMatch = &model.RequestBodyMatcher{Enabled: false, MatchType: model.BodyMatchJSON, Pattern: "a"}
	none := rule("n", model.MatchExact, "/x")
	none.RequestBodyMatch = &model.RequestBodyMatcher{Enabled: true, MatchType: model.BodyMatchNone}

	assert.NotNil(t, m.FindMatchingRule(get("/x"), []model.MockRule{disabled}))
	assert.NotNil(t, m.FindMatchingRule(get("/x"), []model.MockRule{none}))
}

func TestFindAllMatchingRules(t *testing.T) {
	m := NewMatcher(nil)
	off := rule("off", model.MatchContains, "api")
	off.Enabled = false
	rs := []model.MockRule{
		rule("contains", model.MatchContains, "api"),
		off,
		rule("exact", model.MatchExact, "/api"),
		rule("other", model.MatchExact, "/other"),
	}
	got := m.FindAllMatchingRules(get("/api"), rs)
	require.Len(t, got, 2)
	assert.Equal(t, model.RuleID("contains"), got[0].ID)
	assert.Equal(t, model.RuleID("exact"), got[1].ID)
}

func TestEngine_UpdateAndDisable(t *testing.T) {
	cfg := model.InterceptorConfig{Enabled: true, InterceptMode: model.ModePage, Rules: []model.MockRule{
		rule("a", model.MatchExact, "/a"),
	}}
	e := New(cfg, nil)

	got := e.Match(get("/a"))
	require.NotNil(t, got)
	assert.Equal(t, model.RuleID("a"), got.ID)

	// 快照与调用方互不影响
	cfg.Rules[0].URL = "/changed"
	assert.NotNil(t, e.Match(get("/a")))

	e.Update(model.InterceptorConfig{Enabled: false, Rules: cfg.Rules})
	assert.Nil(t, e.Match(get("/changed")))
}

func TestToGJSONPath(t *testing.T) {
	tests := map[string]string{
		"user.id":         "user.id",
		"items[0].name":   "items.0.name",
		"matrix[1][2]":    "matrix.1.2",
		"[0].id":          "0.id",
		"weird*key.value": `weird\*key.value`,
	}
	for in, want := range tests {
		assert.Equal(t, want, toGJSONPath(in), in)
	}
}

func TestScoreAndValidate(t *testing.T) {
	exact := rule("e", model.MatchExact, "/a")
	withHeaders := rule("h", model.MatchContains, "a")
	withHeaders.RequestHeaders = map[string]string{"x": "1"}
	get := rule("g", model.MatchRegex, "a")
	get.Method = model.MethodGet

	assert.Equal(t, 1000, Score(exact))
	assert.Equal(t, 10001, Score(withHeaders))
	assert.Equal(t, 1100, Score(get))

	sorted := SortByScore([]model.MockRule{exact, withHeaders, get})
	assert.Equal(t, []model.RuleID{"h", "g", "e"}, []model.RuleID{sorted[0].ID, sorted[1].ID, sorted[2].ID})

	assert.NoError(t, Validate(exact))
	assert.ErrorIs(t, ValidatePattern("", model.MatchExact), ErrInvalidRule)
	assert.ErrorIs(t, ValidatePattern("(", model.MatchRegex), ErrInvalidRule)

	bad := exact
	bad.StatusCode = 42
	assert.ErrorIs(t, Validate(bad), ErrInvalidRule)
}

func BenchmarkFindMatchingRule(b *testing.B) {
	rs := make([]model.MockRule, 0, 200)
	for i := 0; i < 200; i++ {
		rs = append(rs, rule(fmt.Sprint(i), model.MatchContains, fmt.Sprintf("/svc/%d/", i)))
	}
	m := NewMatcher(nil)
	req := get("https://example.com/svc/199/items")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.FindMatchingRule(req, rs)
	}
}
