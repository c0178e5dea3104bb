package querycache

import (
	"net/url"
	"strings"
)

// Key 是有序分段的查询键，例如 {"reviews", "R1"}
type Key []string

// NewKey 构造查询键
func NewKey(segments ...string) Key {
	return Key(segments)
}

// String 返回可用作存储键的字符串形式；分段经过转义，不会与分隔符冲突
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, seg := range k {
		parts[i] = url.QueryEscape(seg)
	}
	return strings.Join(parts, ":")
}

// HasPrefix 判断 k 是否以 prefix 开头（逐段比较）
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Equal 判断两个键是否完全相同
func (k Key) Equal(other Key) bool {
	return len(k) == len(other) && k.HasPrefix(other)
}
