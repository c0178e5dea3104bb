package session

import (
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// TokenStore 持有当前会话 token，并把变化广播给观察者。
// 实时连接的生命周期由它驱动：有 token 则连接，清空则断开。
type TokenStore struct {
	mu        sync.RWMutex
	state     State
	observers map[uint64]Observer
	nextID    uint64
	persister Persister
	logger    *zap.Logger
}

// NewTokenStore 创建 TokenStore；persister 可为 nil（纯内存）
func NewTokenStore(persister Persister, logger *zap.Logger) *TokenStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &TokenStore{
		observers: make(map[uint64]Observer),
		persister: persister,
		logger:    logger,
	}

	if persister != nil {
		state, err := persister.Load()
		switch {
		case err == nil:
			s.state = state
		case errors.Is(err, ErrNotFound):
		default:
			logger.Warn("load session state failed", zap.Error(err))
		}
	}
	return s
}

// Token 返回当前 token，未登录时为空
func (s *TokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Token
}

// Language 返回偏好语言
func (s *TokenStore) Language() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Language
}

// SetToken 登录或刷新 token；值未变化时不通知观察者
func (s *TokenStore) SetToken(token string) {
	s.update(func(st *State) bool {
		if st.Token == token {
			return false
		}
		st.Token = token
		return true
	}, true)
}

// Clear 登出
func (s *TokenStore) Clear() {
	s.SetToken("")
}

// SetLanguage 更新偏好语言，只做持久化，不触发 token 观察者
func (s *TokenStore) SetLanguage(lang string) {
	s.update(func(st *State) bool {
		if st.Language == lang {
			return false
		}
		st.Language = lang
		return true
	}, false)
}

// Subscribe 注册观察者，返回可重复调用的取消函数
func (s *TokenStore) Subscribe(obs Observer) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.observers[id] = obs
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

func (s *TokenStore) update(mutate func(*State) bool, notify bool) {
	s.mu.Lock()
	if !mutate(&s.state) {
		s.mu.Unlock()
		return
	}
	snapshot := s.state
	var observers []Observer
	if notify {
		observers = s.orderedObservers()
	}
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Save(snapshot); err != nil {
			s.logger.Warn("persist session state failed", zap.Error(err))
		}
	}

	// 观察者在锁外调用，允许其回调中再次读取 Store
	for _, obs := range observers {
		obs(snapshot.Token)
	}
}

// orderedObservers 按订阅顺序返回观察者快照，调用方需持有锁
func (s *TokenStore) orderedObservers() []Observer {
	ids := make([]uint64, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.observers[id])
	}
	return out
}
