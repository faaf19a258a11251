package distributor

import (
	"context"
	"errors"
	"sync"

	"apimocker/internal/logger"
	"apimocker/pkg/model"
)

// Source 权威配置来源（通常是存储层）
type Source interface {
	GetConfig(ctx context.Context) (model.InterceptorConfig, error)
}

// Subscriber 接收完整配置快照
type Subscriber interface {
	ApplyConfig(cfg model.InterceptorConfig) error
}

// SubscriberFunc 函数形式的订阅者
type SubscriberFunc func(cfg model.InterceptorConfig) error

func (f SubscriberFunc) ApplyConfig(cfg model.InterceptorConfig) error { return f(cfg) }

// Distributor 持有当前快照并向所有订阅者推送
type Distributor struct {
	source Source
	log    logger.Logger

	mu  sync.RWMutex
	cfg *model.InterceptorConfig

	// pushMu 保证订阅者按顺序收到快照
	pushMu sync.Mutex
	subs   map[uint64]Subscriber
	nextID uint64
}

// New 创建分发器，source 可为空
func New(src Source, l logger.Logger) *Distributor {
	if l == nil {
		l = logger.NewNop()
	}
	return &Distributor{source: src, log: l, subs: make(map[uint64]Subscriber)}
}

// GetConfig 返回当前快照；冷启动时从来源加载一次，失败时使用默认配置
func (d *Distributor) GetConfig(ctx context.Context) (model.InterceptorConfig, error) {
	d.mu.RLock()
	if d.cfg != nil {
		out := d.cfg.Clone()
		d.mu.RUnlock()
		return out, nil
	}
	d.mu.RUnlock()

	d.pushMu.Lock()
	defer d.pushMu.Unlock()
	return d.load(ctx), nil
}

// load 调用方须持有 pushMu
func (d *Distributor) load(ctx context.Context) model.InterceptorConfig {
	d.mu.RLock()
	if d.cfg != nil {
		out := d.cfg.Clone()
		d.mu.RUnlock()
		return out
	}
	d.mu.RUnlock()

	cfg := model.DefaultInterceptorConfig()
	if d.source != nil {
		loaded, err := d.source.GetConfig(ctx)
		if err != nil {
			d.log.Err(err, "加载拦截配置失败，使用默认配置")
			return cfg
		}
		cfg = loaded
	}
	snap := cfg.Clone()
	d.mu.Lock()
	d.cfg = &snap
	d.mu.Unlock()
	return cfg.Clone()
}

// Snapshot 当前快照，未加载时返回默认配置
func (d *Distributor) Snapshot() model.InterceptorConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cfg == nil {
		return model.DefaultInterceptorConfig()
	}
	return d.cfg.Clone()
}

// Subscribe 注册订阅者并立即推送当前快照
func (d *Distributor) Subscribe(s Subscriber) (cancel func()) {
	d.pushMu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[id] = s
	cfg := d.load(context.Background())
	if err := s.ApplyConfig(cfg); err != nil {
		d.log.Err(err, "推送初始配置失败")
	}
	d.pushMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.pushMu.Lock()
			delete(d.subs, id)
			d.pushMu.Unlock()
		})
	}
}

// Push 整体替换快照并推送给所有订阅者，每个订阅者收到独立的副本
func (d *Distributor) Push(cfg model.InterceptorConfig) error {
	d.pushMu.Lock()
	defer d.pushMu.Unlock()

	snap := cfg.Clone()
	d.mu.Lock()
	d.cfg = &snap
	d.mu.Unlock()

	var errs []error
	for _, s := range d.subs {
		if err := s.ApplyConfig(snap.Clone()); err != nil {
			d.log.Err(err, "推送配置失败")
			errs = append(errs, err)
		}
	}
	d.log.Debug("配置已推送", "subscribers", len(d.subs), "rules", len(snap.Rules), "enabled", snap.Enabled, "mode", snap.InterceptMode)
	return errors.Join(errs...)
}

// Refresh 从来源重新加载并推送
func (d *Distributor) Refresh(ctx context.Context) error {
	if d.source == nil {
		return nil
	}
	cfg, err := d.source.GetConfig(ctx)
	if err != nil {
		return err
	}
	return d.Push(cfg)
}

// Subscribers 当前订阅者数量
func (d *Distributor) Subscribers() int {
	d.pushMu.Lock()
	defer d.pushMu.Unlock()
	return len(d.subs)
}
