package model

type SessionID string
type TargetID string
type RuleID string

// MatchType URL 匹配方式
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchPrefix   MatchType = "prefix"
	MatchContains MatchType = "contains"
	MatchRegex    MatchType = "regex"
)

// Method 规则可声明的 HTTP 方法
type Method string

const (
	MethodAll     Method = "ALL"
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
)

// ResponseType 响应数据类型，仅用于展示和网络层替换资源的 MIME
type ResponseType string

const (
	ResponseJSON ResponseType = "json"
	ResponseText ResponseType = "text"
	ResponseHTML ResponseType = "html"
	ResponseFile ResponseType = "file"
)

// BodyMatchType 请求体匹配方式
type BodyMatchType string

const (
	BodyMatchNone     BodyMatchType = "none"
	BodyMatchJSON     BodyMatchType = "json"
	BodyMatchText     BodyMatchType = "text"
	BodyMatchFormData BodyMatchType = "formData"
)

// InterceptMode 拦截模式，page 与 network 互斥
type InterceptMode string

const (
	ModePage    InterceptMode = "page"
	ModeNetwork InterceptMode = "network"
)

// RequestBodyMatcher 请求体匹配条件
type RequestBodyMatcher struct {
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	MatchType BodyMatchType `json:"matchType" yaml:"matchType"`
	Pattern   string        `json:"pattern" yaml:"pattern"`
	Value     *string       `json:"value,omitempty" yaml:"value,omitempty"`
}

// MockRule Mock 规则
type MockRule struct {
	ID          RuleID `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`

	// 匹配条件
	URL              string              `json:"url" yaml:"url"`
	MatchType        MatchType           `json:"matchType" yaml:"matchType"`
	Method           Method              `json:"method" yaml:"method"`
	RequestHeaders   map[string]string   `json:"requestHeaders,omitempty" yaml:"requestHeaders,omitempty"`
	RequestBodyMatch *RequestBodyMatcher `json:"requestBodyMatch,omitempty" yaml:"requestBodyMatch,omitempty"`

	// 响应配置
	StatusCode      int               `json:"statusCode" yaml:"statusCode"`
	Delay           int               `json:"delay" yaml:"delay"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty" yaml:"responseHeaders,omitempty"`
	ResponseType    ResponseType      `json:"responseType" yaml:"responseType"`
	ResponseBody    string            `json:"responseBody" yaml:"responseBody"`

	// 元数据
	Group      string `json:"group,omitempty" yaml:"group,omitempty"`
	CreatedAt  int64  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt" yaml:"updatedAt"`
	UsageCount int64  `json:"usageCount" yaml:"usageCount"`
}

// Clone 深拷贝规则，快照之间不共享 map
func (r MockRule) Clone() MockRule {
	out := r
	out.RequestHeaders = cloneMap(r.RequestHeaders)
	out.ResponseHeaders = cloneMap(r.ResponseHeaders)
	if r.RequestBodyMatch != nil {
		bm := *r.RequestBodyMatch
		if r.RequestBodyMatch.Value != nil {
			v := *r.RequestBodyMatch.Value
			bm.Value = &v
		}
		out.RequestBodyMatch = &bm
	}
	return out
}

// ModeState 下发给页面 Hook 的精简配置
type ModeState struct {
	Enabled       bool          `json:"enabled"`
	InterceptMode InterceptMode `json:"interceptMode"`
}

// Active 页面 Hook 是否应当拦截
func (s ModeState) Active() bool {
	return s.Enabled && s.InterceptMode == ModePage
}

// DefaultModeState 冷启动时的宽松默认值：启用、页面模式
func DefaultModeState() ModeState {
	return ModeState{Enabled: true, InterceptMode: ModePage}
}

// InterceptorConfig 下发给所有拦截实例的配置快照
type InterceptorConfig struct {
	Enabled       bool          `json:"enabled"`
	InterceptMode InterceptMode `json:"interceptMode"`
	Rules         []MockRule    `json:"rules"`
}

// DefaultInterceptorConfig 冷启动配置：启用、页面模式、无规则
func DefaultInterceptorConfig() InterceptorConfig {
	return InterceptorConfig{Enabled: true, InterceptMode: ModePage, Rules: []MockRule{}}
}

// Clone 生成互不共享的快照
func (c InterceptorConfig) Clone() InterceptorConfig {
	out := InterceptorConfig{Enabled: c.Enabled, InterceptMode: c.InterceptMode}
	out.Rules = make([]MockRule, len(c.Rules))
	for i := range c.Rules {
		out.Rules[i] = c.Rules[i].Clone()
	}
	return out
}

// Mode 精简视图
func (c InterceptorConfig) Mode() ModeState {
	return ModeState{Enabled: c.Enabled, InterceptMode: c.InterceptMode}
}

// GlobalConfig 全局配置
type GlobalConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	InterceptMode InterceptMode `json:"interceptMode" yaml:"interceptMode"`
	MaxRecords    int           `json:"maxRecords" yaml:"maxRecords"`
	AutoClean     bool          `json:"autoClean" yaml:"autoClean"`
}

// DefaultGlobalConfig 默认全局配置
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{Enabled: true, InterceptMode: ModePage, MaxRecords: 1000, AutoClean: true}
}

// Bundle 规则导入导出的数据集合
type Bundle struct {
	Rules  []MockRule    `json:"rules" yaml:"rules"`
	Config *GlobalConfig `json:"config,omitempty" yaml:"config,omitempty"`
}

// RequestRecord 请求记录，创建后不再修改
type RequestRecord struct {
	ID              string            `json:"id"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Timestamp       int64             `json:"timestamp"`
	IsMocked        bool              `json:"isMocked"`
	RuleID          RuleID            `json:"ruleId,omitempty"`
	RuleName        string            `json:"ruleName,omitempty"`
	StatusCode      int               `json:"statusCode"`
	Duration        int64             `json:"duration"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	Size            int64             `json:"size"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	DevToolsURL       string `json:"devToolsURL"`
	Concurrency       int    `json:"concurrency"`
	BodySizeThreshold int64  `json:"bodySizeThreshold"`
	PendingCapacity   int    `json:"pendingCapacity"`
	ProcessTimeoutMS  int    `json:"processTimeoutMS"`
	LookupTimeoutMS   int    `json:"lookupTimeoutMS"`
}

type TargetInfo struct {
	ID        TargetID `json:"id"`
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	IsCurrent bool     `json:"isCurrent"`
	IsUser    bool     `json:"isUser"`
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
