package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"apimocker/internal/logger"
	"apimocker/internal/rules"
	"apimocker/pkg/model"
)

var (
	// ErrRuleNotFound 规则不存在
	ErrRuleNotFound = errors.New("rule not found")
	// ErrInvalidGlobalConfig 全局配置无效
	ErrInvalidGlobalConfig = errors.New("invalid global config")
)

const globalConfigKey = "global"

// Store 规则、全局配置与请求记录的持久化
type Store struct {
	db  *gorm.DB
	log logger.Logger

	mu       sync.RWMutex
	onChange []func()
}

// NewStore 基于已迁移的数据库创建存储
func NewStore(db *gorm.DB, l logger.Logger) *Store {
	if l == nil {
		l = logger.NewNop()
	}
	return &Store{db: db, log: l}
}

// OnChange 注册变更回调，规则或全局配置修改后调用
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *Store) changed() {
	s.mu.RLock()
	fns := append([]func(){}, s.onChange...)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// GetConfig 组装拦截配置快照
func (s *Store) GetConfig(ctx context.Context) (model.InterceptorConfig, error) {
	g, err := s.GetGlobalConfig(ctx)
	if err != nil {
		return model.InterceptorConfig{}, err
	}
	rs, err := s.ListRules(ctx)
	if err != nil {
		return model.InterceptorConfig{}, err
	}
	return model.InterceptorConfig{Enabled: g.Enabled, InterceptMode: g.InterceptMode, Rules: rs}, nil
}

// GetGlobalConfig 读取全局配置，不存在时返回默认值
func (s *Store) GetGlobalConfig(ctx context.Context) (model.GlobalConfig, error) {
	var row settingRow
	err := s.db.WithContext(ctx).Where(&settingRow{Key: globalConfigKey}).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.DefaultGlobalConfig(), nil
	}
	if err != nil {
		return model.GlobalConfig{}, err
	}
	g := model.DefaultGlobalConfig()
	if err := json.Unmarshal([]byte(row.Value), &g); err != nil {
		return model.GlobalConfig{}, fmt.Errorf("decode global config: %w", err)
	}
	if g.InterceptMode == "" {
		g.InterceptMode = model.ModePage
	}
	return g, nil
}

// SaveGlobalConfig 保存全局配置
func (s *Store) SaveGlobalConfig(ctx context.Context, g model.GlobalConfig) error {
	if err := s.saveGlobal(s.db.WithContext(ctx), g); err != nil {
		return err
	}
	s.changed()
	return nil
}

// EnsureGlobalConfig 尚未保存全局配置时写入初始值，已存在时保持不变
func (s *Store) EnsureGlobalConfig(ctx context.Context, g model.GlobalConfig) error {
	if err := validateGlobal(g); err != nil {
		return err
	}
	b, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&settingRow{Key: globalConfigKey, Value: string(b)}).Error
}

func validateGlobal(g model.GlobalConfig) error {
	if g.InterceptMode != model.ModePage && g.InterceptMode != model.ModeNetwork {
		return fmt.Errorf("%w: unknown intercept mode %q", ErrInvalidGlobalConfig, g.InterceptMode)
	}
	if g.MaxRecords < 0 {
		return fmt.Errorf("%w: negative maxRecords", ErrInvalidGlobalConfig)
	}
	return nil
}

func (s *Store) saveGlobal(tx *gorm.DB, g model.GlobalConfig) error {
	if err := validateGlobal(g); err != nil {
		return err
	}
	b, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&settingRow{Key: globalConfigKey, Value: string(b)}).Error
}

// ListRules 按存储顺序返回全部规则
func (s *Store) ListRules(ctx context.Context) ([]model.MockRule, error) {
	var rows []ruleRow
	if err := s.db.WithContext(ctx).Order("position asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.MockRule, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toModel()
		if err != nil {
			s.log.Err(err, "规则数据损坏，已跳过", "rule", rows[i].ID)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// GetRule 按 ID 获取规则
func (s *Store) GetRule(ctx context.Context, id model.RuleID) (model.MockRule, error) {
	var row ruleRow
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.MockRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return model.MockRule{}, err
	}
	return row.toModel()
}

// SaveRule 新建或更新规则；新规则追加到末尾
func (s *Store) SaveRule(ctx context.Context, r model.MockRule) (model.MockRule, error) {
	var saved model.MockRule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		saved, err = s.upsertRule(tx, r)
		return err
	})
	if err != nil {
		return model.MockRule{}, err
	}
	s.changed()
	return saved, nil
}

func (s *Store) upsertRule(tx *gorm.DB, r model.MockRule) (model.MockRule, error) {
	r = NormalizeRule(r)
	if err := rules.Validate(r); err != nil {
		return model.MockRule{}, err
	}
	now := time.Now().UnixMilli()
	if r.ID == "" {
		r.ID = model.RuleID(uuid.NewString())
	}

	var existing ruleRow
	err := tx.Where("id = ?", string(r.ID)).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		var maxPos int
		if err := tx.Model(&ruleRow{}).Select("COALESCE(MAX(position), -1)").Scan(&maxPos).Error; err != nil {
			return model.MockRule{}, err
		}
		if r.CreatedAt == 0 {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		row, err := fromModel(r, maxPos+1)
		if err != nil {
			return model.MockRule{}, err
		}
		return r, tx.Create(&row).Error
	case err != nil:
		return model.MockRule{}, err
	}

	r.CreatedAt = existing.CreatedAt
	r.UsageCount = existing.UsageCount
	r.UpdatedAt = now
	row, err := fromModel(r, existing.Position)
	if err != nil {
		return model.MockRule{}, err
	}
	return r, tx.Save(&row).Error
}

// DeleteRule 删除规则
func (s *Store) DeleteRule(ctx context.Context, id model.RuleID) error {
	res := s.db.WithContext(ctx).Where("id = ?", string(id)).Delete(&ruleRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	s.changed()
	return nil
}

// SetRuleEnabled 启用或停用规则
func (s *Store) SetRuleEnabled(ctx context.Context, id model.RuleID, enabled bool) error {
	r, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	r.Enabled = enabled
	_, err = s.SaveRule(ctx, r)
	return err
}

// Export 导出规则与全局配置
func (s *Store) Export(ctx context.Context) (model.Bundle, error) {
	rs, err := s.ListRules(ctx)
	if err != nil {
		return model.Bundle{}, err
	}
	g, err := s.GetGlobalConfig(ctx)
	if err != nil {
		return model.Bundle{}, err
	}
	return model.Bundle{Rules: rs, Config: &g}, nil
}

// Import 导入数据；merge 为 true 时追加（同 ID 覆盖），否则整体替换规则
func (s *Store) Import(ctx context.Context, b model.Bundle, merge bool) (int, error) {
	n := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !merge && b.Rules != nil {
			if err := tx.Where("1 = 1").Delete(&ruleRow{}).Error; err != nil {
				return err
			}
		}
		for _, r := range b.Rules {
			if _, err := s.upsertRule(tx, r); err != nil {
				return fmt.Errorf("rule %q: %w", r.Name, err)
			}
			n++
		}
		if b.Config != nil {
			return s.saveGlobal(tx, *b.Config)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.changed()
	return n, nil
}

// AddRecord 保存请求记录；命中规则时累加使用次数，开启自动清理时只保留最新的 MaxRecords 条
func (s *Store) AddRecord(ctx context.Context, rec model.RequestRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	g, err := s.GetGlobalConfig(ctx)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := recordRow{
			ID:         rec.ID,
			Timestamp:  rec.Timestamp,
			URL:        rec.URL,
			Method:     rec.Method,
			IsMocked:   rec.IsMocked,
			RuleID:     string(rec.RuleID),
			StatusCode: rec.StatusCode,
			Payload:    string(payload),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if rec.IsMocked && rec.RuleID != "" {
			if err := tx.Model(&ruleRow{}).Where("id = ?", string(rec.RuleID)).
				UpdateColumn("usage_count", gorm.Expr("usage_count + ?", 1)).Error; err != nil {
				return err
			}
		}
		if g.AutoClean && g.MaxRecords > 0 {
			return trimRecords(tx, g.MaxRecords)
		}
		return nil
	})
}

func trimRecords(tx *gorm.DB, keep int) error {
	var cutoff recordRow
	err := tx.Order("seq desc").Offset(keep - 1).Limit(1).Take(&cutoff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return tx.Where("seq < ?", cutoff.Seq).Delete(&recordRow{}).Error
}

// ListRecords 最新的记录在前；limit <= 0 表示全部
func (s *Store) ListRecords(ctx context.Context, limit int) ([]model.RequestRecord, error) {
	q := s.db.WithContext(ctx).Order("seq desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []recordRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.RequestRecord, 0, len(rows))
	for _, row := range rows {
		var rec model.RequestRecord
		if err := json.Unmarshal([]byte(row.Payload), &rec); err != nil {
			s.log.Err(err, "请求记录损坏，已跳过", "record", row.ID)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ClearRecords 清空请求记录
func (s *Store) ClearRecords(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&recordRow{}).Error
}

// NormalizeRule 补齐规则的默认取值
func NormalizeRule(r model.MockRule) model.MockRule {
	if r.Method == "" {
		r.Method = model.MethodAll
	}
	if r.MatchType == "" {
		r.MatchType = model.MatchContains
	}
	if r.StatusCode == 0 {
		r.StatusCode = 200
	}
	if r.ResponseType == "" {
		r.ResponseType = model.ResponseJSON
	}
	return r
}

func fromModel(r model.MockRule, pos int) (ruleRow, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return ruleRow{}, err
	}
	return ruleRow{
		ID:         string(r.ID),
		Position:   pos,
		Name:       r.Name,
		Enabled:    r.Enabled,
		MatchType:  string(r.MatchType),
		Method:     string(r.Method),
		URL:        r.URL,
		Payload:    string(b),
		UsageCount: r.UsageCount,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

func (row ruleRow) toModel() (model.MockRule, error) {
	var r model.MockRule
	if err := json.Unmarshal([]byte(row.Payload), &r); err != nil {
		return model.MockRule{}, err
	}
	r.ID = model.RuleID(row.ID)
	r.Enabled = row.Enabled
	r.UsageCount = row.UsageCount
	r.CreatedAt = row.CreatedAt
	r.UpdatedAt = row.UpdatedAt
	return r, nil
}
