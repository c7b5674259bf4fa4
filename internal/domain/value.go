package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind 标识字段值的具体类型
type ValueKind int

const (
	KindNull ValueKind = iota
	KindNumber
	KindString
	KindBool
	KindRaw             // 其他 JSON（数组、对象）
	KindServerTimestamp // 写入占位符，由存储在写入时替换为服务器时间
)

// Value 是 feed 记录中单个字段的值（和类型）。
//
// feed 中的历史记录形状不一致：同一个字段在旧记录里可能是字符串，
// 在新记录里是数字。Value 保留原始类型，交给读取方按类型探测。
type Value struct {
	kind ValueKind
	num  float64
	str  string
	b    bool
	raw  json.RawMessage
}

// Number 构造数字值
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// String 构造字符串值
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool 构造布尔值
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Null 构造空值
func Null() Value { return Value{kind: KindNull} }

// Raw 包装任意 JSON 文本
func Raw(data json.RawMessage) Value {
	return Value{kind: KindRaw, raw: append(json.RawMessage(nil), data...)}
}

// ServerTimestamp 返回服务器时间占位符。
// 存储在写入时会把它替换为自身时钟的毫秒时间戳。
func ServerTimestamp() Value { return Value{kind: KindServerTimestamp} }

// Kind 返回值的类型
func (v Value) Kind() ValueKind { return v.kind }

// AsNumber 在值为数字时返回该数字
func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// AsString 在值为字符串时返回该字符串
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsBool 在值为布尔时返回该布尔值
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// IsServerTimestamp 判断是否为服务器时间占位符
func (v Value) IsServerTimestamp() bool { return v.kind == KindServerTimestamp }

// MarshalJSON 实现 json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.num)
	case KindString:
		return json.Marshal(v.str)
	case KindBool:
		return json.Marshal(v.b)
	case KindRaw:
		if len(v.raw) == 0 {
			return []byte("null"), nil
		}
		return v.raw, nil
	case KindServerTimestamp:
		// 占位符永远不应被持久化
		return nil, fmt.Errorf("server timestamp placeholder must be resolved before encoding")
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON 实现 json.Unmarshaler，按 JSON 字面量类型还原变体
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		*v = Null()
		return nil
	}

	switch trimmed[0] {
	case 'n':
		*v = Null()
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = String(s)
	case '{', '[':
		*v = Raw(trimmed)
	default:
		var n float64
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return err
		}
		*v = Number(n)
	}
	return nil
}

// Fields 是记录字段集合
type Fields map[string]Value

// Clone 返回字段集合的浅拷贝
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge 将 patch 中的字段覆盖到当前集合（部分更新语义）
func (f Fields) Merge(patch Fields) {
	for k, v := range patch {
		f[k] = v
	}
}

// ResolveServerTimestamps 把所有占位符替换为给定的毫秒时间戳
func (f Fields) ResolveServerTimestamps(millis int64) {
	for k, v := range f {
		if v.IsServerTimestamp() {
			f[k] = Number(float64(millis))
		}
	}
}
