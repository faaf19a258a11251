package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"apimocker/pkg/model"
)

// 页面与桥接层之间的消息类型
const (
	TypeRequest  = "API_MOCKER_REQUEST"
	TypeResponse = "API_MOCKER_RESPONSE"
	TypeRecord   = "API_MOCKER_RECORD"
	TypeSetMode  = "API_MOCKER_SET_MODE"
)

// ErrMalformed 消息格式错误
var ErrMalformed = errors.New("malformed message")

// Query 规则查询请求，headers/body 为可选扩展字段
type Query struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// RecordPayload 页面上报的请求记录
type RecordPayload struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	IsMocked        bool              `json:"isMocked"`
	RuleID          model.RuleID      `json:"ruleId,omitempty"`
	RuleName        string            `json:"ruleName,omitempty"`
	StatusCode      int               `json:"statusCode"`
	Duration        int64             `json:"duration,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
}

// TypeOf 读取消息类型，非 JSON 对象返回空串
func TypeOf(msg []byte) string {
	if !gjson.ValidBytes(msg) {
		return ""
	}
	r := gjson.ParseBytes(msg)
	if !r.IsObject() {
		return ""
	}
	t := r.Get("type")
	if t.Type != gjson.String {
		return ""
	}
	return t.Str
}

// EncodeRequest 构造 API_MOCKER_REQUEST
func EncodeRequest(q Query) ([]byte, error) {
	msg, err := sjson.SetBytes([]byte(`{}`), "type", TypeRequest)
	if err != nil {
		return nil, err
	}
	if msg, err = sjson.SetBytes(msg, "id", q.ID); err != nil {
		return nil, err
	}
	if msg, err = sjson.SetBytes(msg, "url", q.URL); err != nil {
		return nil, err
	}
	if msg, err = sjson.SetBytes(msg, "method", q.Method); err != nil {
		return nil, err
	}
	if len(q.Headers) > 0 {
		if msg, err = sjson.SetBytes(msg, "headers", q.Headers); err != nil {
			return nil, err
		}
	}
	if q.Body != "" {
		if msg, err = sjson.SetBytes(msg, "body", q.Body); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// DecodeRequest 解析 API_MOCKER_REQUEST
func DecodeRequest(msg []byte) (Query, error) {
	var q Query
	if TypeOf(msg) != TypeRequest {
		return q, fmt.Errorf("%w: not a request", ErrMalformed)
	}
	if err := json.Unmarshal(msg, &q); err != nil {
		return q, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if q.ID == "" {
		return q, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if q.Method == "" {
		q.Method = "GET"
	}
	return q, nil
}

// EncodeResponse 构造 API_MOCKER_RESPONSE，rule 为 nil 时写入 null
func EncodeResponse(id string, rule *model.MockRule) ([]byte, error) {
	msg, err := sjson.SetBytes([]byte(`{}`), "type", TypeResponse)
	if err != nil {
		return nil, err
	}
	if msg, err = sjson.SetBytes(msg, "id", id); err != nil {
		return nil, err
	}
	raw := []byte("null")
	if rule != nil {
		if raw, err = json.Marshal(rule); err != nil {
			return nil, err
		}
	}
	return sjson.SetRawBytes(msg, "rule", raw)
}

// DecodeResponse 解析 API_MOCKER_RESPONSE
func DecodeResponse(msg []byte) (string, *model.MockRule, error) {
	if TypeOf(msg) != TypeResponse {
		return "", nil, fmt.Errorf("%w: not a response", ErrMalformed)
	}
	id := gjson.GetBytes(msg, "id").String()
	if id == "" {
		return "", nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	r := gjson.GetBytes(msg, "rule")
	if !r.IsObject() {
		return id, nil, nil
	}
	var rule model.MockRule
	if err := json.Unmarshal([]byte(r.Raw), &rule); err != nil {
		return id, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return id, &rule, nil
}

// EncodeRecord 构造 API_MOCKER_RECORD
func EncodeRecord(p RecordPayload) ([]byte, error) {
	msg, err := sjson.SetBytes([]byte(`{}`), "type", TypeRecord)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(msg, "payload", raw)
}

// DecodeRecord 解析 API_MOCKER_RECORD
func DecodeRecord(msg []byte) (RecordPayload, error) {
	var p RecordPayload
	if TypeOf(msg) != TypeRecord {
		return p, fmt.Errorf("%w: not a record", ErrMalformed)
	}
	raw := gjson.GetBytes(msg, "payload")
	if !raw.IsObject() {
		return p, fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	if err := json.Unmarshal([]byte(raw.Raw), &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

// EncodeSetMode 构造 API_MOCKER_SET_MODE
func EncodeSetMode(s model.ModeState) ([]byte, error) {
	msg, err := sjson.SetBytes([]byte(`{}`), "type", TypeSetMode)
	if err != nil {
		return nil, err
	}
	if msg, err = sjson.SetBytes(msg, "payload.enabled", s.Enabled); err != nil {
		return nil, err
	}
	return sjson.SetBytes(msg, "payload.interceptMode", string(s.InterceptMode))
}

// DecodeSetMode 解析 API_MOCKER_SET_MODE，缺省模式为 page
func DecodeSetMode(msg []byte) (model.ModeState, error) {
	if TypeOf(msg) != TypeSetMode {
		return model.ModeState{}, fmt.Errorf("%w: not a set-mode", ErrMalformed)
	}
	p := gjson.GetBytes(msg, "payload")
	s := model.ModeState{
		Enabled:       p.Get("enabled").Bool(),
		InterceptMode: model.InterceptMode(p.Get("interceptMode").String()),
	}
	if s.InterceptMode == "" {
		s.InterceptMode = model.ModePage
	}
	return s, nil
}
