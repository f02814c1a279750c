package calendar

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Defaults model the standard forex week: Sunday 17:00 New York open,
// Friday 17:00 close, a short maintenance break on weekdays at 17:00.
const (
	DefaultTZName            = "America/New_York"
	DefaultWeeklyOpen        = "17:00"
	DefaultWeeklyClose       = "17:00"
	DefaultDailyBreakStart   = "17:00"
	DefaultDailyBreakMinutes = 5
)

// Interval is a closed [Start, End) window in epoch milliseconds UTC.
type Interval struct {
	StartMS int64
	EndMS   int64
}

// Config describes one trading calendar profile.
type Config struct {
	Tag                string
	TZName             string
	WeeklyOpen         string
	WeeklyClose        string
	DailyBreakStart    string
	DailyBreakMinutes  int
	ClosedIntervalsUTC []Interval
}

// MarketState is the point-in-time view published in the status snapshot.
type MarketState struct {
	IsOpen       bool   `json:"is_open"`
	NextOpenUTC  string `json:"next_open_utc"`
	NextPauseUTC string `json:"next_pause_utc"`
	CalendarTag  string `json:"calendar_tag"`
	TZBackend    string `json:"tz_backend"`
}

type clockTime struct {
	hour   int
	minute int
}

// Calendar maps timestamps to market state under a weekly session with a
// daily break, all in a DST-aware local timezone. A construction failure
// does not panic; the calendar reports closed everywhere and exposes the
// failure via HealthError.
type Calendar struct {
	tag          string
	loc          *time.Location
	tzBackend    string
	weeklyOpen   clockTime
	weeklyClose  clockTime
	breakStart   clockTime
	breakMinutes int
	closed       []Interval
	initErr      string

	nextOpenInvalid atomic.Bool
}

// New builds a calendar from cfg, filling defaults for empty fields.
func New(cfg Config) *Calendar {
	c := &Calendar{
		tag:          cfg.Tag,
		breakMinutes: cfg.DailyBreakMinutes,
	}
	if c.breakMinutes <= 0 {
		c.breakMinutes = DefaultDailyBreakMinutes
	}

	var err error
	if c.weeklyOpen, err = parseHHMM(orDefault(cfg.WeeklyOpen, DefaultWeeklyOpen)); err != nil {
		c.initErr = fmt.Sprintf("calendar weekly_open: %v", err)
	}
	if c.weeklyClose, err = parseHHMM(orDefault(cfg.WeeklyClose, DefaultWeeklyClose)); err != nil && c.initErr == "" {
		c.initErr = fmt.Sprintf("calendar weekly_close: %v", err)
	}
	if c.breakStart, err = parseHHMM(orDefault(cfg.DailyBreakStart, DefaultDailyBreakStart)); err != nil && c.initErr == "" {
		c.initErr = fmt.Sprintf("calendar daily_break_start: %v", err)
	}

	tzName := orDefault(cfg.TZName, DefaultTZName)
	if strings.EqualFold(tzName, "UTC") || tzName == "Etc/UTC" {
		c.loc = time.UTC
		c.tzBackend = "utc"
	} else {
		loc, lerr := time.LoadLocation(tzName)
		if lerr != nil {
			c.loc = time.UTC
			c.tzBackend = "unknown"
			if c.initErr == "" {
				c.initErr = fmt.Sprintf("calendar tz %q: %v", tzName, lerr)
			}
		} else {
			c.loc = loc
			c.tzBackend = "tzdata"
		}
	}

	c.closed, err = normalizeClosedIntervals(cfg.ClosedIntervalsUTC)
	if err != nil && c.initErr == "" {
		c.initErr = fmt.Sprintf("calendar closed_intervals: %v", err)
	}
	return c
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func parseHHMM(v string) (clockTime, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 2 {
		return clockTime{}, fmt.Errorf("want HH:MM, got %q", v)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return clockTime{}, fmt.Errorf("hour in %q: %w", v, err)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return clockTime{}, fmt.Errorf("minute in %q: %w", v, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return clockTime{}, fmt.Errorf("out of range: %q", v)
	}
	return clockTime{hour: hour, minute: minute}, nil
}

func normalizeClosedIntervals(in []Interval) ([]Interval, error) {
	out := make([]Interval, 0, len(in))
	for _, iv := range in {
		if iv.StartMS >= iv.EndMS {
			return nil, fmt.Errorf("interval start %d >= end %d", iv.StartMS, iv.EndMS)
		}
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMS < out[j].StartMS })
	for i := 1; i < len(out); i++ {
		if out[i].StartMS < out[i-1].EndMS {
			return nil, fmt.Errorf("intervals overlap at %d", out[i].StartMS)
		}
	}
	return out, nil
}

// HealthError returns the construction error, empty when healthy.
func (c *Calendar) HealthError() string { return c.initErr }

// Tag returns the calendar profile tag.
func (c *Calendar) Tag() string { return c.tag }

// ConsumeNextOpenInvalid reports (once) that NextOpenMS had to fall back.
func (c *Calendar) ConsumeNextOpenInvalid() bool {
	return c.nextOpenInvalid.Swap(false)
}

func (c *Calendar) toLocal(tsMS int64) time.Time {
	return time.UnixMilli(tsMS).In(c.loc)
}

func (c *Calendar) inClosedInterval(tsMS int64) bool {
	for _, iv := range c.closed {
		if iv.StartMS <= tsMS && tsMS < iv.EndMS {
			return true
		}
	}
	return false
}

func (c *Calendar) closedIntervalEnd(tsMS int64) (int64, bool) {
	for _, iv := range c.closed {
		if iv.StartMS <= tsMS && tsMS < iv.EndMS {
			return iv.EndMS, true
		}
	}
	return 0, false
}

func (c *Calendar) at(day time.Time, t clockTime) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.hour, t.minute, 0, 0, c.loc)
}

type span struct {
	start time.Time
	end   time.Time
}

// openSpansForDate returns the open session spans of one local calendar day.
func (c *Calendar) openSpansForDate(day time.Time) []span {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	switch day.Weekday() {
	case time.Saturday:
		return nil
	case time.Sunday:
		start := c.at(day, c.weeklyOpen)
		if !start.Before(dayEnd) {
			return nil
		}
		return []span{{start: start, end: dayEnd}}
	case time.Friday:
		end := c.at(day, c.weeklyClose)
		if !dayStart.Before(end) {
			return nil
		}
		return []span{{start: dayStart, end: end}}
	default:
		breakStart := c.at(day, c.breakStart)
		breakEnd := breakStart.Add(time.Duration(c.breakMinutes) * time.Minute)
		var spans []span
		if dayStart.Before(breakStart) {
			spans = append(spans, span{start: dayStart, end: breakStart})
		}
		if breakEnd.Before(dayEnd) {
			spans = append(spans, span{start: breakEnd, end: dayEnd})
		}
		return spans
	}
}

// IsOpen reports whether the market trades at tsMS.
func (c *Calendar) IsOpen(tsMS int64) bool {
	if c.initErr != "" {
		return false
	}
	if c.inClosedInterval(tsMS) {
		return false
	}
	local := c.toLocal(tsMS)
	for _, sp := range c.openSpansForDate(local) {
		if !local.Before(sp.start) && local.Before(sp.end) {
			return true
		}
	}
	return false
}

// Explain lists the reasons tsMS is closed; empty when open.
func (c *Calendar) Explain(tsMS int64) []string {
	if c.initErr != "" {
		return []string{"calendar_error"}
	}
	var reasons []string
	if c.inClosedInterval(tsMS) {
		reasons = append(reasons, "closed_interval")
	}
	local := c.toLocal(tsMS)
	switch local.Weekday() {
	case time.Saturday:
		reasons = append(reasons, "weekend_closed")
	case time.Sunday:
		if local.Before(c.at(local, c.weeklyOpen)) {
			reasons = append(reasons, "weekend_closed")
		}
	case time.Friday:
		if !local.Before(c.at(local, c.weeklyClose)) {
			reasons = append(reasons, "weekend_closed")
		}
	default:
		breakStart := c.at(local, c.breakStart)
		breakEnd := breakStart.Add(time.Duration(c.breakMinutes) * time.Minute)
		if !local.Before(breakStart) && local.Before(breakEnd) {
			reasons = append(reasons, "daily_break")
		}
	}
	return reasons
}

// NextOpenMS returns the next trading open strictly after tsMS. On any
// internal failure it falls back to tsMS+60s and flags the fallback.
func (c *Calendar) NextOpenMS(tsMS int64) int64 {
	next := c.nextOpenRaw(tsMS)
	if next <= tsMS {
		c.nextOpenInvalid.Store(true)
		return tsMS + 60_000
	}
	return next
}

func (c *Calendar) nextOpenRaw(tsMS int64) int64 {
	if c.initErr != "" {
		return tsMS
	}
	if end, ok := c.closedIntervalEnd(tsMS); ok {
		tsMS = end
	}
	local := c.toLocal(tsMS)
	for dayOffset := 0; dayOffset < 8; dayOffset++ {
		day := local.AddDate(0, 0, dayOffset)
		for _, sp := range c.openSpansForDate(day) {
			if dayOffset == 0 && !local.Before(sp.start) {
				// Inside or past this span; its start is not a future open.
				continue
			}
			candidate := sp.start.UnixMilli()
			if end, ok := c.closedIntervalEnd(candidate); ok {
				return c.nextOpenRaw(end)
			}
			return candidate
		}
	}
	return tsMS
}

// NextPauseMS returns the next moment trading stops at or after tsMS.
func (c *Calendar) NextPauseMS(tsMS int64) int64 {
	if c.initErr != "" {
		return tsMS
	}
	local := c.toLocal(tsMS)
	for _, sp := range c.openSpansForDate(local) {
		if !local.Before(sp.start) && local.Before(sp.end) {
			pauseMS := sp.end.UnixMilli()
			if start, ok := c.nextClosedStart(tsMS, pauseMS); ok {
				return start
			}
			return pauseMS
		}
	}
	nextOpen := c.NextOpenMS(tsMS)
	openLocal := c.toLocal(nextOpen)
	for _, sp := range c.openSpansForDate(openLocal) {
		if !openLocal.Before(sp.start) && openLocal.Before(sp.end) {
			return sp.end.UnixMilli()
		}
	}
	return nextOpen
}

func (c *Calendar) nextClosedStart(tsMS, limitMS int64) (int64, bool) {
	best := int64(0)
	found := false
	for _, iv := range c.closed {
		if tsMS < iv.StartMS && iv.StartMS < limitMS {
			if !found || iv.StartMS < best {
				best = iv.StartMS
				found = true
			}
		}
	}
	return best, found
}

// LastTradingCloseMS returns the last millisecond of the most recent
// session at or before tsMS. While the market is open it is the upcoming
// pause minus one.
func (c *Calendar) LastTradingCloseMS(tsMS int64) int64 {
	if c.initErr != "" {
		return tsMS
	}
	if c.IsOpen(tsMS) {
		return c.NextPauseMS(tsMS) - 1
	}
	local := c.toLocal(tsMS)
	for dayOffset := 0; dayOffset < 8; dayOffset++ {
		day := local.AddDate(0, 0, -dayOffset)
		spans := c.openSpansForDate(day)
		if len(spans) == 0 {
			continue
		}
		var end time.Time
		found := false
		for _, sp := range spans {
			if dayOffset == 0 && sp.end.After(local) {
				continue
			}
			if !found || sp.end.After(end) {
				end = sp.end
				found = true
			}
		}
		if found {
			return end.UnixMilli() - 1
		}
	}
	return tsMS
}

// MarketState builds the snapshot view for tsMS.
func (c *Calendar) MarketState(tsMS int64) MarketState {
	if c.initErr != "" {
		iso := toUTCISO(tsMS)
		return MarketState{
			IsOpen:       false,
			NextOpenUTC:  iso,
			NextPauseUTC: iso,
			CalendarTag:  c.tag,
			TZBackend:    "init_error",
		}
	}
	return MarketState{
		IsOpen:       c.IsOpen(tsMS),
		NextOpenUTC:  toUTCISO(c.NextOpenMS(tsMS)),
		NextPauseUTC: toUTCISO(c.NextPauseMS(tsMS)),
		CalendarTag:  c.tag,
		TZBackend:    c.tzBackend,
	}
}

// IsRepairWindow reports whether repairs may run at nowMS.
func (c *Calendar) IsRepairWindow(nowMS int64, safeOnlyWhenMarketClosed bool) bool {
	if !safeOnlyWhenMarketClosed {
		return true
	}
	return !c.IsOpen(nowMS)
}

// TradingDayBoundaryFor returns the trading-day open covering tsMS, in
// epoch ms UTC. The boundary anchor is the daily break start in local time.
func (c *Calendar) TradingDayBoundaryFor(tsMS int64) int64 {
	if c.initErr != "" {
		return tsMS
	}
	local := c.toLocal(tsMS)
	boundary := c.at(local, c.breakStart)
	if local.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary.UnixMilli()
}

// NextTradingDayBoundaryMS returns the first trading-day boundary strictly
// after the one covering tsMS.
func (c *Calendar) NextTradingDayBoundaryMS(tsMS int64) int64 {
	if c.initErr != "" {
		return tsMS
	}
	local := c.toLocal(tsMS)
	boundary := c.at(local, c.breakStart)
	if !local.Before(boundary) {
		boundary = boundary.AddDate(0, 0, 1)
	}
	return boundary.UnixMilli()
}

func toUTCISO(tsMS int64) string {
	return time.UnixMilli(tsMS).UTC().Format("2006-01-02T15:04:05Z")
}
