// Package units converts site time zones into the fixed UTC offsets taken by
// the time-in-daylight model.
package units

import (
	"fmt"
	"time"
)

// IsTimezoneValid checks if the given timezone is valid by attempting to load it from the tz database
func IsTimezoneValid(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// StandardOffset returns the standard-time offset of tz in year, formatted
// like "-05:00". The daylight model applies one offset to the whole day
// window, so daylight saving is ignored: the smaller of the January and July
// offsets is standard time in either hemisphere.
func StandardOffset(tz string, year int) (string, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", fmt.Errorf("failed to load timezone %s: %w", tz, err)
	}
	_, jan := time.Date(year, time.January, 1, 12, 0, 0, 0, loc).Zone()
	_, jul := time.Date(year, time.July, 1, 12, 0, 0, 0, loc).Zone()
	return FormatOffset(min(jan, jul)), nil
}

// FormatOffset renders an offset in seconds east of UTC as "+HH:MM".
func FormatOffset(seconds int) string {
	sign := '+'
	if seconds < 0 {
		sign = '-'
		seconds = -seconds
	}
	return fmt.Sprintf("%c%02d:%02d", sign, seconds/3600, seconds%3600/60)
}
