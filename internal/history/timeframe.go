package history

import (
	"fmt"
	"strings"
	"time"

	"kitebridge/internal/apperr"
)

// MaxDaysPerRequest is the broker's span limit for one historical request.
var MaxDaysPerRequest = map[string]int{
	"minute":   60,
	"3minute":  100,
	"5minute":  100,
	"10minute": 100,
	"15minute": 200,
	"30minute": 200,
	"60minute": 400,
	"day":      2000,
}

var timeframeMinutes = map[string]int{
	"minute":   1,
	"3minute":  3,
	"5minute":  5,
	"10minute": 10,
	"15minute": 15,
	"30minute": 30,
	"60minute": 60,
	"day":      1440,
}

var stepAliases = map[string]string{
	"1": "minute", "3": "3minute", "5": "5minute", "10": "10minute",
	"15": "15minute", "30": "30minute", "60": "60minute", "1440": "day",
	"1m": "minute", "3m": "3minute", "5m": "5minute", "10m": "10minute",
	"15m": "15minute", "30m": "30minute", "60m": "60minute", "1h": "60minute",
	"1d": "day",
}

// ResolveTimeframe maps a client step ("5", "5m", "5minute", "1d") to the
// broker interval name.
func ResolveTimeframe(step string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(step))
	if _, ok := MaxDaysPerRequest[s]; ok {
		return s, nil
	}
	if tf, ok := stepAliases[s]; ok {
		return tf, nil
	}
	return "", fmt.Errorf("%w: unsupported step %q", apperr.ErrInvalidInput, step)
}

// TimeframeDuration is the bar length of a broker interval.
func TimeframeDuration(tf string) time.Duration {
	return time.Duration(timeframeMinutes[tf]) * time.Minute
}

// Range is a half-open request window [From, To).
type Range struct {
	From, To time.Time
}

// SplitRange cuts [from, to) into consecutive windows no longer than maxDays.
// Each window starts where the previous one ended.
func SplitRange(from, to time.Time, maxDays int) []Range {
	if !from.Before(to) || maxDays <= 0 {
		return nil
	}
	span := time.Duration(maxDays) * 24 * time.Hour
	var out []Range
	for cur := from; cur.Before(to); {
		end := cur.Add(span)
		if end.After(to) {
			end = to
		}
		out = append(out, Range{From: cur, To: end})
		cur = end
	}
	return out
}
