package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"apimocker/internal/bridge"
	"apimocker/internal/distributor"
	"apimocker/internal/logger"
	"apimocker/pkg/model"
)

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = errors.New("session not found")

// AttacherFactory 按会话配置创建附加器
type AttacherFactory func(cfg model.SessionConfig, l logger.Logger) Attacher

// Manager 全局会话管理器，所有会话共享同一个配置分发器和记录存储
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]*Session
	dist     *distributor.Distributor
	sink     bridge.RecordSink
	attacher AttacherFactory
	log      logger.Logger
}

// NewManager 创建会话管理器，factory 为空时使用 DevTools 附加器
func NewManager(dist *distributor.Distributor, sink bridge.RecordSink, factory AttacherFactory, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	if factory == nil {
		factory = NewCDPAttacher
	}
	return &Manager{
		sessions: make(map[model.SessionID]*Session),
		dist:     dist,
		sink:     sink,
		attacher: factory,
		log:      l,
	}
}

// Create 创建并注册新会话
func (m *Manager) Create(cfg model.SessionConfig) *Session {
	id := model.SessionID(uuid.NewString())
	s := New(id, cfg, m.attacher(cfg, m.log), m.dist, m.sink, m.log)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.log.Info("创建业务会话", "sessionID", string(id), "devtools", cfg.DevToolsURL)
	return s
}

// Get 获取会话
func (m *Manager) Get(id model.SessionID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Delete 关闭并销毁会话
func (m *Manager) Delete(id model.SessionID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Close()
	m.log.Info("销毁业务会话", "sessionID", string(id))
	return nil
}

// List 返回所有活动会话
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	return list
}

// Close 关闭所有会话
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[model.SessionID]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
