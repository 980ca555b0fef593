package popup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trunov/webpconv/internal/entities"
)

func TestTimeAgo(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "just now"},
		{59 * time.Second, "just now"},
		{60 * time.Second, "1m ago"},
		{5 * time.Minute, "5m ago"},
		{59*time.Minute + 59*time.Second, "59m ago"},
		{time.Hour, "1h ago"},
		{3 * time.Hour, "3h ago"},
		{24 * time.Hour, "1d ago"},
		{50 * time.Hour, "2d ago"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, TimeAgo(now.Add(-tt.ago).UnixMilli(), now))
		})
	}
}

func TestBuildEmpty(t *testing.T) {
	v := Build(entities.DefaultPreferences(), nil, time.Now())
	assert.Equal(t, EmptyMessage, v.Empty)
	assert.Empty(t, v.Rows)
	assert.False(t, v.ShowFormatSelector)
	assert.Equal(t, entities.FormatJPG, v.PreferredFormat)
}

func TestBuildRows(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	recent := []entities.RecentConversionEntry{
		{OriginalURL: "https://site/a.webp", ConvertedFilename: "a.jpg", Timestamp: now.Add(-10 * time.Second).UnixMilli()},
		{OriginalURL: "https://site/b.webp", ConvertedFilename: "b.png", Timestamp: now.Add(-3 * time.Hour).UnixMilli()},
	}
	v := Build(entities.UserPreferences{AutoConvert: true, PreferredFormat: entities.FormatPNG}, recent, now)

	require.Len(t, v.Rows, 2)
	assert.Equal(t, Row{Filename: "a.jpg", OriginalURL: "https://site/a.webp", Ago: "just now"}, v.Rows[0])
	assert.Equal(t, "3h ago", v.Rows[1].Ago)
	assert.True(t, v.ShowFormatSelector)
	assert.Empty(t, v.Empty)
}

func TestToggle(t *testing.T) {
	p := Toggle(entities.UserPreferences{PreferredFormat: entities.FormatPNG})
	assert.True(t, p.AutoConvert)
	assert.Equal(t, entities.FormatPNG, p.PreferredFormat)
	assert.False(t, Toggle(p).AutoConvert)
}
