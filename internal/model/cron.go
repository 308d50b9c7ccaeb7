package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the expressions gocron.CronJob runs without seconds.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates service.schedule.cron and returns the time between
// its next two episodes, which is logged when the timer starts.
func ParseCron(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("empty cron expression")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("parsing cron %q: %w", expr, err)
	}
	next := schedule.Next(time.Now())
	return schedule.Next(next).Sub(next), nil
}

// isoDurationRx accepts the day and time designators of ISO8601. Years and
// months have no fixed length and are rejected, so P2M is not two minutes.
var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseISODuration parses service.schedule.duration, e.g. PT30M or P1DT12H.
func ParseISODuration(dur string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(dur)
	if m == nil || dur == "P" {
		return 0, ErrISOFormat
	}
	days, hours, minutes, seconds := m[1], m[2], m[3], m[4]
	clock := hours + minutes + seconds
	if strings.Contains(dur, "T") && clock == "" {
		return 0, ErrISOFormat
	}

	var ret time.Duration
	if days != "" {
		n, err := strconv.ParseInt(days, 10, 64)
		if err != nil || n > int64(math.MaxInt64/(24*time.Hour)) {
			return 0, fmt.Errorf("%w: days %s", ErrISOFormat, days)
		}
		ret = time.Duration(n) * 24 * time.Hour
	}
	if clock == "" {
		return ret, nil
	}

	var sb strings.Builder
	for _, c := range []struct{ value, unit string }{{hours, "h"}, {minutes, "m"}, {seconds, "s"}} {
		if c.value != "" {
			sb.WriteString(strings.Replace(c.value, ",", ".", 1) + c.unit)
		}
	}
	d, err := time.ParseDuration(sb.String())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
	}
	if ret > time.Duration(math.MaxInt64)-d {
		return 0, fmt.Errorf("%w: %s overflows", ErrISOFormat, dur)
	}
	return ret + d, nil
}

var cueDurationRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)

// ParseCueDuration parses the #Duration strings of the configuration schema,
// e.g. 1d12h or 30s.
func ParseCueDuration(s string) (time.Duration, error) {
	m := cueDurationRx.FindStringSubmatch(s)
	if s == "" || m == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	units := [...]time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, seg := range m[1:] {
		if seg == "" {
			continue
		}
		val, err := strconv.ParseInt(seg[:len(seg)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number in %s: %w", seg, err)
		}
		if val > int64(math.MaxInt64/units[i]) {
			return 0, fmt.Errorf("duration %q overflows", s)
		}
		add := time.Duration(val) * units[i]
		if total > time.Duration(math.MaxInt64)-add {
			return 0, fmt.Errorf("duration %q overflows", s)
		}
		total += add
	}
	return total, nil
}
