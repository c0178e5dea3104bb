package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FilePersister 把会话状态保存在本地 YAML 文件中
type FilePersister struct {
	Path string
}

// Load 读取会话状态；文件不存在时返回 ErrNotFound
func (p *FilePersister) Load() (State, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("read session state: %w", err)
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse session state: %w", err)
	}
	return st, nil
}

// Save 原子写入会话状态（先写临时文件再 rename）
func (p *FilePersister) Save(st State) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.Path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		return fmt.Errorf("replace session state: %w", err)
	}
	return nil
}
