package rails

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/settleline/payflow/internal/core"
)

func rtgsWindow() core.WorkingHours {
	return core.WorkingHours{
		Start: "09:00", End: "16:30",
		Weekdays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}
}

func TestInWindow_InclusiveBoundaries(t *testing.T) {
	w := rtgsWindow()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // Monday

	assert.True(t, InWindow(w, day.Add(9*time.Hour)), "09:00:00 is inside")
	assert.False(t, InWindow(w, day.Add(8*time.Hour+59*time.Minute+59*time.Second)), "08:59:59 is outside")
	assert.True(t, InWindow(w, day.Add(16*time.Hour+30*time.Minute)), "16:30:00 is inside")
	assert.False(t, InWindow(w, day.Add(16*time.Hour+30*time.Minute+time.Second)), "16:30:01 is outside")
}

func TestInWindow_WeekdayGate(t *testing.T) {
	w := rtgsWindow()
	saturday := time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Saturday, saturday.Weekday())
	assert.False(t, InWindow(w, saturday), "Saturday 10:00 is outside an RTGS week")

	monday := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	assert.True(t, InWindow(w, monday))
}

func TestInWindow_OvernightWrap(t *testing.T) {
	w := core.WorkingHours{
		Start: "22:00", End: "02:00",
		Weekdays: []time.Weekday{time.Friday},
	}
	friday := time.Date(2026, 3, 6, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Friday, friday.Weekday())
	assert.True(t, InWindow(w, friday), "Friday 23:00 is inside")

	// Saturday 01:00 belongs to Friday's overnight window.
	saturdayTail := time.Date(2026, 3, 7, 1, 0, 0, 0, time.UTC)
	assert.True(t, InWindow(w, saturdayTail))

	// Saturday 23:00 does not; Saturday is not a working day.
	saturdayNight := time.Date(2026, 3, 7, 23, 0, 0, 0, time.UTC)
	assert.False(t, InWindow(w, saturdayNight))

	// Sunday 01:00 rides Saturday, which is not a working day either.
	sundayTail := time.Date(2026, 3, 8, 1, 0, 0, 0, time.UTC)
	assert.False(t, InWindow(w, sundayTail))
}

func TestSecondsToClose(t *testing.T) {
	w := rtgsWindow()
	monday := time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Minute, SecondsToClose(w, monday))

	outside := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	assert.Negative(t, int64(SecondsToClose(w, outside)))
}
