// Package popup builds what the popup shows: the auto-convert toggle, the
// format selector and the recent conversions list.
package popup

import (
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/trunov/webpconv/internal/entities"
)

const EmptyMessage = "No recent conversions"

type Row struct {
	Filename    string `json:"filename"`
	OriginalURL string `json:"originalUrl"`
	Ago         string `json:"ago"`
}

type View struct {
	AutoConvert     bool            `json:"autoConvert"`
	PreferredFormat entities.Format `json:"preferredFormat"`
	// The format selector is only shown while auto-convert is on.
	ShowFormatSelector bool   `json:"showFormatSelector"`
	Rows               []Row  `json:"rows"`
	Empty              string `json:"empty,omitempty"`
}

func Build(p entities.UserPreferences, recent []entities.RecentConversionEntry, now time.Time) View {
	v := View{
		AutoConvert:        p.AutoConvert,
		PreferredFormat:    p.PreferredFormat.OrDefault(),
		ShowFormatSelector: p.AutoConvert,
		Rows: lo.Map(recent, func(e entities.RecentConversionEntry, _ int) Row {
			return Row{
				Filename:    e.ConvertedFilename,
				OriginalURL: e.OriginalURL,
				Ago:         TimeAgo(e.Timestamp, now),
			}
		}),
	}
	if len(v.Rows) == 0 {
		v.Empty = EmptyMessage
	}
	return v
}

// TimeAgo renders a millisecond timestamp relative to now.
func TimeAgo(timestampMillis int64, now time.Time) string {
	seconds := (now.UnixMilli() - timestampMillis) / 1000
	switch {
	case seconds < 60:
		return "just now"
	case seconds < 3600:
		return fmt.Sprintf("%dm ago", seconds/60)
	case seconds < 86400:
		return fmt.Sprintf("%dh ago", seconds/3600)
	default:
		return fmt.Sprintf("%dd ago", seconds/86400)
	}
}

// Toggle flips auto-convert and keeps the selected format, as the toggle
// switch saves both keys at once.
func Toggle(p entities.UserPreferences) entities.UserPreferences {
	p.AutoConvert = !p.AutoConvert
	p.PreferredFormat = p.PreferredFormat.OrDefault()
	return p
}
