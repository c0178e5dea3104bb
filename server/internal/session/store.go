package session

import "errors"

// ErrNotFound 持久化状态不存在
var ErrNotFound = errors.New("session state not found")

// Observer 在 token 变化时被同步调用，参数为新的 token（空字符串表示已登出）
type Observer func(token string)

// State 是需要跨进程重启保留的会话状态（浏览器 localStorage 的对应物）
type State struct {
	Token    string `yaml:"token,omitempty"`
	Language string `yaml:"language,omitempty"`
}

// Persister 负责 State 的读写
type Persister interface {
	Load() (State, error)
	Save(State) error
}
