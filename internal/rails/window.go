package rails

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/settleline/payflow/internal/core"
)

// parseHHMM converts "16:30" to seconds past midnight.
func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	return h*3600 + m*60, nil
}

// InWindow reports whether now falls inside the working window. Both
// boundaries are inclusive to the second: a 09:00–16:30 window admits
// 16:30:00 and rejects 16:30:01. Overnight windows (start > end) wrap
// past midnight and admit times at-or-after start OR at-or-before end.
func InWindow(w core.WorkingHours, now time.Time) bool {
	dayOK := false
	for _, wd := range w.Weekdays {
		if now.Weekday() == wd {
			dayOK = true
			break
		}
	}

	startSec, err := parseHHMM(w.Start)
	if err != nil {
		return false
	}
	endSec, err := parseHHMM(w.End)
	if err != nil {
		return false
	}
	nowSec := now.Hour()*3600 + now.Minute()*60 + now.Second()

	if startSec > endSec {
		// Overnight: the after-midnight tail belongs to the previous
		// working day, so check the day against the window start.
		if nowSec <= endSec {
			prev := now.Add(-24 * time.Hour)
			for _, wd := range w.Weekdays {
				if prev.Weekday() == wd {
					return true
				}
			}
			return false
		}
		return dayOK && nowSec >= startSec
	}
	return dayOK && nowSec >= startSec && nowSec <= endSec
}

// SecondsToClose returns how long until the window closes, or a
// negative duration when now is outside it.
func SecondsToClose(w core.WorkingHours, now time.Time) time.Duration {
	endSec, err := parseHHMM(w.End)
	if err != nil {
		return -1
	}
	nowSec := now.Hour()*3600 + now.Minute()*60 + now.Second()
	if !InWindow(w, now) {
		return -1
	}
	if startSec, _ := parseHHMM(w.Start); startSec > endSec && nowSec > endSec {
		// Overnight window, before midnight: close is tomorrow.
		return time.Duration(24*3600-nowSec+endSec) * time.Second
	}
	return time.Duration(endSec-nowSec) * time.Second
}
