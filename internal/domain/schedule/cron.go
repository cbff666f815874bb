// Package schedule computes schedule fire times from cron expressions.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
)

// parser accepts standard 5-field cron syntax (minute hour dom month dow).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFireTime computes the next time strictly after from at which the cron
// expression fires, interpreted in the given IANA timezone. An empty timezone
// means UTC. Pure and deterministic; fails with an invalid_cron error when the
// expression or timezone cannot be parsed.
func NextFireTime(expr, timezone string, from time.Time) (time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}

	loc, err := loadLocation(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}

	return sched.Next(from.In(loc)), nil
}

// Validate reports whether the cron expression and timezone are parseable.
func Validate(expr, timezone string) error {
	if _, err := parse(expr); err != nil {
		return err
	}
	_, err := loadLocation(expr, timezone)
	return err
}

func parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, apperrors.InvalidCron(expr, err)
	}
	return sched, nil
}

func loadLocation(expr, timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, apperrors.InvalidCron(expr, err)
	}
	return loc, nil
}
