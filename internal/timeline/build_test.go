package timeline

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatroom/backend/internal/domain"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func ms(t time.Time) float64 { return float64(t.UnixMilli()) }

func utcBuilder() *Builder {
	opts := DefaultOptions()
	opts.Location = time.UTC
	return NewBuilder(opts)
}

func snapshot(records ...domain.Record) *domain.Snapshot {
	return &domain.Snapshot{Collection: "messages", Version: 7, Records: records}
}

func message(id, user, uid, text string, extra domain.Fields) domain.Record {
	fields := domain.Fields{
		domain.FieldText: domain.String(text),
		domain.FieldUser: domain.String(user),
		domain.FieldUID:  domain.String(uid),
	}
	fields.Merge(extra)
	return domain.Record{ID: id, Fields: fields}
}

func entryIDs(v *View) []string {
	var ids []string
	for _, e := range v.Entries() {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestBuild_SortsByKeyNotInsertionOrder(t *testing.T) {
	snap := snapshot(
		message("a", "alice", "u1", "second", domain.Fields{domain.FieldTimestamp: domain.Number(2000)}),
		message("b", "bob", "u2", "first", domain.Fields{domain.FieldTimestamp: domain.Number(1000)}),
	)

	view := utcBuilder().Build(snap, "u1", testNow)

	assert.Equal(t, []string{"b", "a"}, entryIDs(view))
	assert.Equal(t, []string{"January 1, 1970"}, view.Separators())
	assert.Equal(t, "a", view.Latest)
	assert.Equal(t, int64(7), view.Version)
	assert.Equal(t, "messages", view.Collection)
}

func TestBuild_StableForEqualKeys(t *testing.T) {
	ts := domain.Fields{domain.FieldTS: domain.Number(ms(testNow))}
	snap := snapshot(
		message("x", "a", "", "1", ts),
		message("y", "a", "", "2", ts),
		message("z", "a", "", "3", ts),
	)

	view := utcBuilder().Build(snap, "", testNow)
	assert.Equal(t, []string{"x", "y", "z"}, entryIDs(view))
}

func TestBuild_DaySeparators(t *testing.T) {
	older := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	yesterday := testNow.Add(-24 * time.Hour)
	today := testNow.Add(-time.Hour)

	snap := snapshot(
		message("t1", "a", "", "t1", domain.Fields{domain.FieldTS: domain.Number(ms(today))}),
		message("o1", "a", "", "o1", domain.Fields{domain.FieldTS: domain.Number(ms(older))}),
		message("y1", "a", "", "y1", domain.Fields{domain.FieldTS: domain.Number(ms(yesterday))}),
		message("o2", "a", "", "o2", domain.Fields{domain.FieldTS: domain.Number(ms(older.Add(time.Hour)))}),
	)

	view := utcBuilder().Build(snap, "", testNow)

	require.Len(t, view.Items, 7)
	kinds := make([]ItemKind, len(view.Items))
	for i, item := range view.Items {
		kinds[i] = item.Kind
	}
	assert.Equal(t, []ItemKind{
		ItemSeparator, ItemEntry, ItemEntry,
		ItemSeparator, ItemEntry,
		ItemSeparator, ItemEntry,
	}, kinds)
	assert.Equal(t, []string{"March 1, 2024", LabelYesterday, LabelToday}, view.Separators())
	assert.Equal(t, []string{"o1", "o2", "y1", "t1"}, entryIDs(view))
}

func TestBuild_GroupsByViewerLocation(t *testing.T) {
	// 02:00 UTC 在 UTC-5 时区仍是前一天
	loc := time.FixedZone("EST", -5*3600)
	opts := DefaultOptions()
	opts.Location = loc
	b := NewBuilder(opts)

	at := time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC)
	snap := snapshot(message("m", "a", "", "hi", domain.Fields{domain.FieldTS: domain.Number(ms(at))}))

	view := b.Build(snap, "", testNow)
	assert.Equal(t, []string{LabelYesterday}, view.Separators())
	assert.Equal(t, "09:00 PM", view.Entries()[0].TimeLabel)
}

func TestBuild_EntryFields(t *testing.T) {
	at := time.Date(2024, 5, 10, 9, 5, 0, 0, time.UTC)
	snap := snapshot(
		message("mine", "alice", "u1", "hello", domain.Fields{domain.FieldTS: domain.Number(ms(at))}),
		message("theirs", "bob", "u2", "hey", domain.Fields{domain.FieldTS: domain.Number(ms(at) + 1)}),
		domain.Record{ID: "anon", Fields: domain.Fields{
			domain.FieldText: domain.String("who am i"),
			domain.FieldTS:   domain.Number(ms(at) + 2),
		}},
	)

	entries := utcBuilder().Build(snap, "u1", testNow).Entries()
	require.Len(t, entries, 3)

	mine := entries[0]
	assert.Equal(t, "alice", mine.Sender)
	assert.Equal(t, "hello", mine.Body)
	assert.Equal(t, "09:05 AM", mine.TimeLabel)
	assert.True(t, mine.Own)
	assert.True(t, mine.CanDelete)
	assert.False(t, mine.Deleted)
	assert.Equal(t, SourceNumeric, mine.Key.Source)

	theirs := entries[1]
	assert.False(t, theirs.Own)
	assert.False(t, theirs.CanDelete)

	anon := entries[2]
	assert.Equal(t, UnknownSender, anon.Sender)
	assert.False(t, anon.Own)
}

func TestBuild_DeletedMessage(t *testing.T) {
	snap := snapshot(message("d", "alice", "u1", "secret", domain.Fields{
		domain.FieldTS:      domain.Number(ms(testNow)),
		domain.FieldDeleted: domain.Bool(true),
	}))

	e := utcBuilder().Build(snap, "u1", testNow).Entries()[0]
	assert.True(t, e.Deleted)
	assert.Equal(t, DeletedMarker, e.Body)
	assert.True(t, e.Own)
	assert.False(t, e.CanDelete)
}

func TestBuild_DeleteAffordanceRequiresOwnerAndLive(t *testing.T) {
	cases := []struct {
		name    string
		uid     string
		viewer  string
		deleted bool
		want    bool
	}{
		{"owner live", "u1", "u1", false, true},
		{"owner deleted", "u1", "u1", true, false},
		{"other user", "u2", "u1", false, false},
		{"no uid, no viewer", "", "", false, false},
		{"no uid", "", "u1", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := snapshot(message("m", "a", tc.uid, "x", domain.Fields{
				domain.FieldTS:      domain.Number(ms(testNow)),
				domain.FieldDeleted: domain.Bool(tc.deleted),
			}))
			e := utcBuilder().Build(snap, tc.viewer, testNow).Entries()[0]
			assert.Equal(t, tc.want, e.CanDelete)
		})
	}
}

func TestBuild_ZeroKeyUsesNow(t *testing.T) {
	snap := snapshot(message("z", "a", "", "no time", nil))

	view := utcBuilder().Build(snap, "", testNow)
	assert.Equal(t, []string{LabelToday}, view.Separators())

	e := view.Entries()[0]
	assert.True(t, e.Key.IsZero())
	assert.Equal(t, SourceNone, e.Key.Source)
	assert.Equal(t, "May 10, 2024", e.TimeLabel)
	assert.Equal(t, testNow, e.Time)
}

func TestBuild_ZeroKeySortsFirst(t *testing.T) {
	snap := snapshot(
		message("dated", "a", "", "x", domain.Fields{domain.FieldTS: domain.Number(ms(testNow))}),
		message("undated", "a", "", "y", nil),
	)
	view := utcBuilder().Build(snap, "", testNow)
	assert.Equal(t, []string{"undated", "dated"}, entryIDs(view))
	// 两条都落在今天，只有一个分隔条
	assert.Equal(t, []string{LabelToday}, view.Separators())
}

func TestBuild_DateOnlyRecord(t *testing.T) {
	snap := snapshot(message("d", "a", "", "x", domain.Fields{domain.FieldDate: domain.String("2024-05-09")}))

	e := utcBuilder().Build(snap, "", testNow).Entries()[0]
	assert.Equal(t, SourceDate, e.Key.Source)
	assert.Equal(t, "May 9, 2024", e.TimeLabel)
}

func TestBuild_EmptySnapshot(t *testing.T) {
	view := utcBuilder().Build(snapshot(), "u1", testNow)
	assert.Empty(t, view.Items)
	assert.Empty(t, view.Latest)

	view = utcBuilder().Build(nil, "u1", testNow)
	assert.NotNil(t, view.Items)
	assert.Empty(t, view.Items)
}

func TestBuild_DoesNotMutateSnapshot(t *testing.T) {
	snap := snapshot(
		message("a", "a", "", "x", domain.Fields{domain.FieldTS: domain.Number(2)}),
		message("b", "a", "", "y", domain.Fields{domain.FieldTS: domain.Number(1)}),
	)
	utcBuilder().Build(snap, "", testNow)
	assert.Equal(t, "a", snap.Records[0].ID)
	assert.Equal(t, "b", snap.Records[1].ID)
}

func TestResolveKey_FallbackChain(t *testing.T) {
	dayMillis := ms(time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC))

	cases := []struct {
		name   string
		fields domain.Fields
		want   Key
	}{
		{
			name:   "ts wins over timestamp",
			fields: domain.Fields{domain.FieldTS: domain.Number(5), domain.FieldTimestamp: domain.Number(9)},
			want:   Key{Millis: 5, Source: SourceNumeric},
		},
		{
			name:   "numeric timestamp",
			fields: domain.Fields{domain.FieldTimestamp: domain.Number(9), domain.FieldDate: domain.String("2024-05-09")},
			want:   Key{Millis: 9, Source: SourceNumeric},
		},
		{
			name:   "string ts is skipped",
			fields: domain.Fields{domain.FieldTS: domain.String("12"), domain.FieldTimestamp: domain.Number(9)},
			want:   Key{Millis: 9, Source: SourceNumeric},
		},
		{
			name:   "NaN ts is skipped",
			fields: domain.Fields{domain.FieldTS: domain.Number(math.NaN()), domain.FieldDate: domain.String("2024-05-09")},
			want:   Key{Millis: dayMillis, Source: SourceDate},
		},
		{
			name:   "date string",
			fields: domain.Fields{domain.FieldDate: domain.String("2024-05-09")},
			want:   Key{Millis: dayMillis, Source: SourceDate},
		},
		{
			name: "unparsable date falls through to string timestamp",
			fields: domain.Fields{
				domain.FieldDate:      domain.String("not a date"),
				domain.FieldTimestamp: domain.String("2024-05-09T00:00:00Z"),
			},
			want: Key{Millis: dayMillis, Source: SourceDate},
		},
		{
			name:   "nothing usable",
			fields: domain.Fields{domain.FieldDate: domain.Bool(true)},
			want:   Key{Source: SourceNone},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveKey(domain.Record{ID: "r", Fields: tc.fields}, time.UTC)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveKey_UsesViewerLocation(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	rec := domain.Record{ID: "r", Fields: domain.Fields{domain.FieldDate: domain.String("2024-05-09T10:00:00")}}

	got := ResolveKey(rec, loc)
	assert.Equal(t, ms(time.Date(2024, 5, 9, 2, 0, 0, 0, time.UTC)), got.Millis)
	assert.Equal(t, SourceDate, got.Source)

	// 纯日期不受时区影响
	rec.Fields[domain.FieldDate] = domain.String("2024-05-09")
	assert.Equal(t, ms(time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC)), ResolveKey(rec, loc).Millis)
}

func TestParseDate(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)

	// 纯日期总是 UTC 零点，与时区无关
	got, ok := ParseDate("2024-05-09", loc)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC)))

	got, ok = ParseDate("2024-05-09T10:00:00+02:00", loc)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, 5, 9, 8, 0, 0, 0, time.UTC)))

	// 不带时区的日期时间按给定时区解析
	got, ok = ParseDate("2024-05-09T10:00:00", loc)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, 5, 9, 2, 0, 0, 0, time.UTC)))

	_, ok = ParseDate("", loc)
	assert.False(t, ok)
	_, ok = ParseDate("yesterday-ish", loc)
	assert.False(t, ok)
}

func TestKey_Time(t *testing.T) {
	k := Key{Millis: 1715335200123, Source: SourceNumeric}
	assert.Equal(t, int64(1715335200123), k.Time().UnixMilli())
	assert.Equal(t, "numeric", k.Source.String())
}
