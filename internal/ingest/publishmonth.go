package ingest

import (
	"errors"
	"time"
)

// ErrPublishDay means today is the first Sunday of the month in
// Europe/London: the upstream is publishing right now and a download could
// observe a half-written dataset, so the stage refuses to start.
var ErrPublishDay = errors.New("refusing to run on the first Sunday of the month while the dataset is being published")

// PublishMonth returns the most recent first-Sunday-of-the-month strictly
// before now in the Europe/London timezone. That date identifies the INSPIRE
// dataset currently available for download.
func PublishMonth(now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	fs := firstSunday(today.Year(), today.Month(), loc)
	switch {
	case today.Equal(fs):
		return time.Time{}, ErrPublishDay
	case today.After(fs):
		return fs, nil
	default:
		prev := today.AddDate(0, -1, 0)
		return firstSunday(prev.Year(), prev.Month(), loc), nil
	}
}

// PublishMonthID formats a publish date as the YYYY-MM identifier used for
// on-disk directory names.
func PublishMonthID(publish time.Time) string {
	return publish.Format("2006-01")
}

func firstSunday(year int, month time.Month, loc *time.Location) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	offset := (7 - int(d.Weekday())) % 7
	return d.AddDate(0, 0, offset)
}
