package api

import (
	"context"
	"net/http"

	"apimocker/internal/logger"
	"apimocker/internal/service"
	"apimocker/internal/storage"
	"apimocker/pkg/model"
	"apimocker/pkg/traffic"
)

// Service 服务接口
type Service interface {
	// StartSession 启动会话
	StartSession(cfg model.SessionConfig) (model.SessionID, error)

	// StopSession 停止会话
	StopSession(id model.SessionID) error

	// ListSessions 列出活动会话
	ListSessions() []model.SessionID

	// ListTargets 列出目标
	ListTargets(ctx context.Context, id model.SessionID) ([]model.TargetInfo, error)

	// AttachTarget 附加目标，target 为空时选择第一个页面
	AttachTarget(ctx context.Context, id model.SessionID, target model.TargetID) (model.TargetID, error)

	// DetachTarget 分离目标
	DetachTarget(id model.SessionID, target model.TargetID) error

	// GetConfig 获取当前拦截配置
	GetConfig(ctx context.Context) (model.InterceptorConfig, error)

	GetGlobalConfig(ctx context.Context) (model.GlobalConfig, error)
	SaveGlobalConfig(ctx context.Context, g model.GlobalConfig) error

	ListRules(ctx context.Context) ([]model.MockRule, error)
	GetRule(ctx context.Context, id model.RuleID) (model.MockRule, error)
	SaveRule(ctx context.Context, r model.MockRule) (model.MockRule, error)
	DeleteRule(ctx context.Context, id model.RuleID) error
	SetRuleEnabled(ctx context.Context, id model.RuleID, enabled bool) error

	// ImportRules 导入规则，merge 为 false 时替换已有规则
	ImportRules(ctx context.Context, b model.Bundle, merge bool) (int, error)

	// ExportRules 导出规则与全局配置
	ExportRules(ctx context.Context) (model.Bundle, error)

	ListRecords(ctx context.Context, limit int) ([]model.RequestRecord, error)
	ClearRecords(ctx context.Context) error

	// Match 预演匹配，返回生效规则和全部命中规则
	Match(ctx context.Context, req *traffic.Request) (*model.MockRule, []model.MockRule, error)

	// HookClient 返回经由进程内页面钩子发送请求的客户端，用完调用 closer
	HookClient(transport http.RoundTripper, cfg model.SessionConfig) (*http.Client, func())

	// Close 关闭所有会话
	Close()
}

var _ Service = (*service.Service)(nil)

// NewService 创建并返回服务接口实现
func NewService(store *storage.Store, l logger.Logger) Service {
	return service.New(store, nil, l)
}
