package timeline

import (
	"math"
	"time"

	"chatroom/backend/internal/domain"
)

// Source 标识排序键来自哪类字段
type Source int

const (
	// SourceNone 没有可用的时间字段，键为 0
	SourceNone Source = iota
	// SourceNumeric 键来自数字毫秒时间戳（ts 或 timestamp）
	SourceNumeric
	// SourceDate 键来自日期字符串（date 或字符串形式的 timestamp）
	SourceDate
)

func (s Source) String() string {
	switch s {
	case SourceNumeric:
		return "numeric"
	case SourceDate:
		return "date"
	default:
		return "none"
	}
}

// MarshalText 以名称编码
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Key 是记录的排序键：纪元毫秒数及其来源
type Key struct {
	Millis float64 `json:"millis"`
	Source Source  `json:"source"`
}

// IsZero 判断键是否为 0。为 0 的键在分组和显示时使用当前时间。
func (k Key) IsZero() bool {
	return k.Millis == 0
}

// Time 把键转换为 time.Time
func (k Key) Time() time.Time {
	whole, frac := math.Modf(k.Millis)
	return time.UnixMilli(int64(whole)).Add(time.Duration(math.Round(frac * float64(time.Millisecond))))
}

// extractor 尝试从记录中取出一个排序键
type extractor func(rec *domain.Record, loc *time.Location) (Key, bool)

// extractors 按优先级排列，第一个成功者决定排序键
var extractors = []extractor{
	numericField(domain.FieldTS),
	numericField(domain.FieldTimestamp),
	dateField(domain.FieldDate),
	dateField(domain.FieldTimestamp),
}

// numericField 在字段为有限数字时返回该数字
func numericField(name string) extractor {
	return func(rec *domain.Record, _ *time.Location) (Key, bool) {
		n, ok := rec.Get(name).AsNumber()
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			return Key{}, false
		}
		return Key{Millis: n, Source: SourceNumeric}, true
	}
}

// dateField 在字段为可解析的日期字符串时返回对应的纪元毫秒
func dateField(name string) extractor {
	return func(rec *domain.Record, loc *time.Location) (Key, bool) {
		s, ok := rec.Get(name).AsString()
		if !ok {
			return Key{}, false
		}
		t, ok := ParseDate(s, loc)
		if !ok {
			return Key{}, false
		}
		return Key{Millis: float64(t.UnixMilli()), Source: SourceDate}, true
	}
}

// ResolveKey 计算记录的排序键，不带时区的日期按 loc 解析，loc 为空时使用本地时区
func ResolveKey(rec domain.Record, loc *time.Location) Key {
	return resolveKey(&rec, loc)
}

func resolveKey(rec *domain.Record, loc *time.Location) Key {
	if loc == nil {
		loc = time.Local
	}
	for _, extract := range extractors {
		if key, ok := extract(rec, loc); ok {
			return key
		}
	}
	return Key{Source: SourceNone}
}

// 按 UTC 解析的纯日期格式
const dateOnlyLayout = domain.DateLayout

// 自带时区信息的格式
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	"Mon Jan 02 2006 15:04:05 GMT-0700",
}

// 不带时区信息、按给定时区解析的格式
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02",
	"2006/01/02 15:04:05",
	"Mon Jan 02 2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// ParseDate 解析日期字符串。
//
// YYYY-MM-DD 表示 UTC 零点；带时区的格式按其时区；其余格式按 loc 解析。
func ParseDate(s string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(dateOnlyLayout, s); err == nil {
		return t, true
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
