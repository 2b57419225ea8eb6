package session

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
)

const (
	DefaultTimeZone       = "America/New_York"
	DefaultTimeZoneLabel  = "EST"
	DefaultFallbackOffset = -5 * time.Hour

	groundingLayout = "2006-01-02 15:04:05"
	groundingPrefix = "Current time: "
)

// TimeGrounding renders the wall-clock entry injected before every user turn.
// The zone is fixed and independent of the viewer's local zone. When the tz
// database cannot resolve Zone, the time is computed as UTC+FallbackOffset.
type TimeGrounding struct {
	Zone           string
	Label          string
	FallbackOffset time.Duration

	loc *time.Location
}

func DefaultTimeGrounding() TimeGrounding {
	return TimeGrounding{
		Zone:           DefaultTimeZone,
		Label:          DefaultTimeZoneLabel,
		FallbackOffset: DefaultFallbackOffset,
	}
}

// Resolve loads the zone once. It never fails; a missing zone falls back to the fixed offset.
func (g TimeGrounding) Resolve() TimeGrounding {
	if g.Label == "" {
		g.Label = DefaultTimeZoneLabel
	}
	if g.Zone != "" {
		loc, err := time.LoadLocation(g.Zone)
		if err == nil {
			g.loc = loc
			return g
		}
		log.Warn().Err(err).Str("zone", g.Zone).Dur("fallback_offset", g.FallbackOffset).Msg("time zone unavailable, using fixed offset")
	}
	g.loc = time.FixedZone(g.Label, int(g.FallbackOffset/time.Second))
	return g
}

// Format returns "YYYY-MM-DD HH:MM:SS <label>".
func (g TimeGrounding) Format(now time.Time) string {
	if g.loc == nil {
		g = g.Resolve()
	}
	return now.In(g.loc).Format(groundingLayout) + " " + g.Label
}

// Entry builds the system history entry for now.
func (g TimeGrounding) Entry(now time.Time) backend.HistoryEntry {
	return backend.NewEntry(backend.RoleSystem, groundingPrefix+g.Format(now))
}
