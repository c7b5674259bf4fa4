// Package timeline 把 feed 快照转换为按天分组的时间线视图。
//
// 每个快照都被视为完整状态：视图总是整体重建，从不增量合并。
package timeline

import (
	"sort"
	"time"

	"chatroom/backend/internal/domain"
)

// 固定文案
const (
	LabelToday     = "Today"
	LabelYesterday = "Yesterday"
	UnknownSender  = "Unknown"
	DeletedMarker  = "deleted the message"
)

// Options 控制日期分组和时间标签
type Options struct {
	Location        *time.Location // 分组使用的时区，为空时使用本地时区
	LongDateLayout  string         // 分隔条的长日期格式
	ShortDateLayout string         // 仅有日期的记录的时间标签格式
	ClockLayout     string         // 精确时间戳记录的时间标签格式
}

// DefaultOptions 返回默认选项
func DefaultOptions() Options {
	return Options{
		Location:        time.Local,
		LongDateLayout:  "January 2, 2006",
		ShortDateLayout: "Jan 2, 2006",
		ClockLayout:     "03:04 PM",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Location == nil {
		o.Location = d.Location
	}
	if o.LongDateLayout == "" {
		o.LongDateLayout = d.LongDateLayout
	}
	if o.ShortDateLayout == "" {
		o.ShortDateLayout = d.ShortDateLayout
	}
	if o.ClockLayout == "" {
		o.ClockLayout = d.ClockLayout
	}
	return o
}

// ItemKind 区分时间线条目类型
type ItemKind int

const (
	ItemSeparator ItemKind = iota
	ItemEntry
)

// Item 是时间线中的一项：日期分隔条或一条消息
type Item struct {
	Kind  ItemKind `json:"-"`
	Label string   `json:"label,omitempty"` // 分隔条文字
	Entry *Entry   `json:"entry,omitempty"`
}

// IsSeparator 判断是否为日期分隔条
func (i Item) IsSeparator() bool { return i.Kind == ItemSeparator }

// Entry 是一条消息的显示内容
type Entry struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	Deleted   bool      `json:"deleted"`
	TimeLabel string    `json:"timeLabel"`
	Time      time.Time `json:"time"`
	Key       Key       `json:"key"`
	Own       bool      `json:"own"`
	CanDelete bool      `json:"canDelete"`
}

// View 是某个观看者看到的完整时间线
type View struct {
	Collection string `json:"collection"`
	Version    int64  `json:"version"`
	Viewer     string `json:"viewer"`
	Items      []Item `json:"items"`
	Latest     string `json:"latest,omitempty"` // 最新一条消息的 ID，用于滚动到底部
}

// Entries 返回视图中的全部消息
func (v *View) Entries() []*Entry {
	out := make([]*Entry, 0, len(v.Items))
	for _, item := range v.Items {
		if item.Kind == ItemEntry {
			out = append(out, item.Entry)
		}
	}
	return out
}

// Separators 返回全部分隔条文字
func (v *View) Separators() []string {
	var out []string
	for _, item := range v.Items {
		if item.Kind == ItemSeparator {
			out = append(out, item.Label)
		}
	}
	return out
}

// Builder 按选项构建视图，可并发使用
type Builder struct {
	opts Options
}

// NewBuilder 创建 Builder
func NewBuilder(opts Options) *Builder {
	return &Builder{opts: opts.withDefaults()}
}

// Build 使用默认选项构建视图
func Build(snap *domain.Snapshot, viewerUID string, now time.Time) *View {
	return NewBuilder(DefaultOptions()).Build(snap, viewerUID, now)
}

type keyed struct {
	rec *domain.Record
	key Key
}

// Build 按排序键升序（稳定）排列快照中的记录，并在本地日期变化处插入分隔条
func (b *Builder) Build(snap *domain.Snapshot, viewerUID string, now time.Time) *View {
	loc := b.opts.Location
	now = now.In(loc)

	view := &View{Viewer: viewerUID, Items: []Item{}}
	if snap == nil {
		return view
	}
	view.Collection = snap.Collection
	view.Version = snap.Version

	list := make([]keyed, len(snap.Records))
	for i := range snap.Records {
		list[i] = keyed{rec: &snap.Records[i], key: resolveKey(&snap.Records[i], loc)}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].key.Millis < list[j].key.Millis
	})

	var currentDay string
	for _, k := range list {
		at := now
		if !k.key.IsZero() {
			at = k.key.Time().In(loc)
		}

		if day := at.Format(domain.DateLayout); day != currentDay {
			view.Items = append(view.Items, Item{Kind: ItemSeparator, Label: b.dayLabel(at, now)})
			currentDay = day
		}

		entry := b.entry(k, at, viewerUID)
		view.Items = append(view.Items, Item{Kind: ItemEntry, Entry: entry})
		view.Latest = entry.ID
	}
	return view
}

func (b *Builder) entry(k keyed, at time.Time, viewerUID string) *Entry {
	rec := k.rec

	sender := rec.StringField(domain.FieldUser)
	if sender == "" {
		sender = UnknownSender
	}

	deleted := rec.IsDeleted()
	body := rec.StringField(domain.FieldText)
	if deleted {
		body = DeletedMarker
	}

	layout := b.opts.ShortDateLayout
	if k.key.Source == SourceNumeric {
		layout = b.opts.ClockLayout
	}

	uid := rec.UID()
	own := uid != "" && uid == viewerUID

	return &Entry{
		ID:        rec.ID,
		Sender:    sender,
		Body:      body,
		Deleted:   deleted,
		TimeLabel: at.Format(layout),
		Time:      at,
		Key:       k.key,
		Own:       own,
		CanDelete: own && !deleted,
	}
}

// dayLabel 返回分隔条文字：今天、昨天或长日期
func (b *Builder) dayLabel(day, now time.Time) string {
	if sameDay(day, now) {
		return LabelToday
	}
	if sameDay(day, now.AddDate(0, 0, -1)) {
		return LabelYesterday
	}
	return day.Format(b.opts.LongDateLayout)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
