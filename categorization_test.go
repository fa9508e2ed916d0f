package main

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report", "Report"},
		{"fact-sheet", "Fact Sheet"},
		{"short-read", "Short Read"},
		{"data essay", "Data Essay"},
		{"FAQ-list", "FAQ List"},
		{"Report", "Report"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, formatLabel(tt.in))
		})
	}
}

func TestLabelForPost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addPost(t, Post{ID: 1, Date: day(2024, 1, 1)}, 0, termShort, termReport)
	env.addPost(t, Post{ID: 2, Date: day(2024, 1, 1)}, 0, termEconomy)

	assert.Equal(t, "Short Read", labelForPost(ctx, env.content, env.cfg, 1))
	assert.Equal(t, "Report", labelForPost(ctx, env.content, env.cfg, 2))
	assert.Equal(t, "Report", labelForPost(ctx, env.content, env.cfg, 404))
}

func TestParseItemDate(t *testing.T) {
	tests := []struct {
		in     string
		want   time.Time
		wantOK bool
	}{
		{"June 1, 2024", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{"Jun 1, 2024", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{"2024-06-01", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{"2024-06-01 08:30:00", time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC), true},
		{"2024-06-01T08:30:00", time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC), true},
		{"2024-06-01T08:30:00Z", time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC), true},
		{"  June 1, 2024 ", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{"", time.Time{}, false},
		{"yesterday", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseItemDate(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.True(t, tt.want.Equal(got), "got %v", got)
			}
		})
	}
}

func TestItemTimestamp(t *testing.T) {
	assert.Equal(t, int64(math.MinInt64), itemTimestamp(RelatedItem{}))
	assert.Equal(t, int64(math.MinInt64), itemTimestamp(RelatedItem{Date: stringPtr("someday")}))
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).Unix(), itemTimestamp(RelatedItem{Date: stringPtr("June 1, 2024")}))

	// Pre-1970 dates are negative but still newer than an unknown date
	old := itemTimestamp(RelatedItem{Date: stringPtr("1965-03-01")})
	assert.Negative(t, old)
	assert.Greater(t, old, itemTimestamp(RelatedItem{Date: stringPtr("someday")}))

	items := []RelatedItem{
		{PostID: 1, Date: stringPtr("someday")},
		{PostID: 2, Date: stringPtr("1965-03-01")},
		{PostID: 3},
		{PostID: 4, Date: stringPtr("2024-06-01")},
	}
	sortByDateDesc(items)
	assert.Equal(t, []int64{4, 2, 1, 3}, postIDs(items))
}

func TestStripSlashes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no escapes", "Plain title", "Plain title"},
		{"escaped quote", `It\'s here`, "It's here"},
		{"escaped double quote", `The \"best\" one`, `The "best" one`},
		{"escaped backslash", `a\\b`, `a\b`},
		{"trailing backslash", `dangling\`, "dangling"},
		{"escaped nul", `a\0b`, "a\x00b"},
		{"multibyte", `Caf\é ümlaut`, "Café ümlaut"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripSlashes(tt.in))
		})
	}
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "Hello & world", plainText("<em>Hello</em> &amp; world"))
	assert.Equal(t, "Prices rise", plainText("  Prices rise "))
	assert.Equal(t, "Q&A", plainText("Q&amp;A"))
}
