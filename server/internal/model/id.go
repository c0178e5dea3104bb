package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID 是字符串归一化的实体标识。
// 后端有的接口返回数字 ID，有的返回字符串 ID；这里统一按字符串形式比较，
// 避免 7 和 "7" 被判定为不同的餐厅。
type ID string

// String 返回归一化后的字符串形式。
func (id ID) String() string {
	return string(id)
}

// IsZero 判断 ID 是否为空。
func (id ID) IsZero() bool {
	return id == ""
}

// Equal 按字符串形式比较两个 ID。
func (id ID) Equal(other ID) bool {
	return id == other
}

// UnmarshalJSON 同时接受 JSON 字符串、数字和 null。
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("unmarshal id string: %w", err)
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("unmarshal id number: %w", err)
	}
	// 整数直接按十进制输出，不经过 float64，避免大于 2^53 的 ID 丢精度
	if i, err := n.Int64(); err == nil {
		*id = ID(strconv.FormatInt(i, 10))
		return nil
	}
	// 7.0 这类整数值的小数写法与 7 一致
	if f, err := n.Float64(); err == nil && f == float64(int64(f)) {
		*id = ID(strconv.FormatInt(int64(f), 10))
		return nil
	}
	*id = ID(n.String())
	return nil
}
