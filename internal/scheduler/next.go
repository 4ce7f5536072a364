package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"sherpa/internal/models"
	"sherpa/internal/strategy"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Guard reasons recorded as the strategy's StatusReason.
const (
	ReasonMaxExecutions = "max_executions_reached"
	ReasonMaxSpend      = "max_total_spend_reached"
	ReasonEndDate       = "end_date_passed"
)

// ValidateSchedule checks the calendar fields required by the frequency.
func ValidateSchedule(s *models.Strategy) error {
	if s == nil {
		return fmt.Errorf("%w: nil strategy", ErrInvalidSchedule)
	}
	if s.ExecutionHourUTC < 0 || s.ExecutionHourUTC > 23 {
		return fmt.Errorf("%w: execution_hour_utc must be 0-23", ErrInvalidSchedule)
	}
	switch s.Frequency {
	case models.FrequencyHourly, models.FrequencyDaily:
	case models.FrequencyWeekly, models.FrequencyBiweekly:
		if s.ExecutionDayOfWeek == nil || *s.ExecutionDayOfWeek < 0 || *s.ExecutionDayOfWeek > 6 {
			return fmt.Errorf("%w: execution_day_of_week must be 0-6", ErrInvalidSchedule)
		}
	case models.FrequencyMonthly:
		if s.ExecutionDayOfMonth == nil || *s.ExecutionDayOfMonth < 1 || *s.ExecutionDayOfMonth > 31 {
			return fmt.Errorf("%w: execution_day_of_month must be 1-31", ErrInvalidSchedule)
		}
	case models.FrequencyCustom:
		if _, err := cron.ParseStandard(strings.TrimSpace(s.CronExpression)); err != nil {
			return fmt.Errorf("%w: cron_expression: %v", ErrInvalidSchedule, err)
		}
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, s.Frequency)
	}
	return nil
}

// NextExecution returns the first fire time strictly after after, in UTC.
func NextExecution(s *models.Strategy, after time.Time) (time.Time, error) {
	if err := ValidateSchedule(s); err != nil {
		return time.Time{}, err
	}
	after = after.UTC()
	hour := s.ExecutionHourUTC

	switch s.Frequency {
	case models.FrequencyHourly:
		return after.Truncate(time.Hour).Add(time.Hour), nil
	case models.FrequencyDaily:
		next := atHour(after, hour)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	case models.FrequencyWeekly:
		return nextWeekday(after, time.Weekday(*s.ExecutionDayOfWeek), hour), nil
	case models.FrequencyBiweekly:
		return nextWeekday(after, time.Weekday(*s.ExecutionDayOfWeek), hour).AddDate(0, 0, 7), nil
	case models.FrequencyMonthly:
		dom := *s.ExecutionDayOfMonth
		for offset := 0; offset < 3; offset++ {
			first := time.Date(after.Year(), after.Month()+time.Month(offset), 1, hour, 0, 0, 0, time.UTC)
			day := dom
			if last := daysIn(first.Year(), first.Month()); day > last {
				day = last
			}
			next := time.Date(first.Year(), first.Month(), day, hour, 0, 0, 0, time.UTC)
			if next.After(after) {
				return next, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: no monthly slot found", ErrInvalidSchedule)
	case models.FrequencyCustom:
		sched, err := cron.ParseStandard(strings.TrimSpace(s.CronExpression))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		next := sched.Next(after)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: cron expression never fires", ErrInvalidSchedule)
		}
		return next.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, s.Frequency)
}

func atHour(t time.Time, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, time.UTC)
}

func nextWeekday(after time.Time, dow time.Weekday, hour int) time.Time {
	days := (int(dow) - int(after.Weekday()) + 7) % 7
	next := atHour(after, hour).AddDate(0, 0, days)
	if !next.After(after) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// GuardReached reports whether another run would violate one of the
// strategy's stop guards at now, and which one. MaxExecutions counts
// successful executions only; failed and skipped runs do not use it up.
func GuardReached(s *models.Strategy, now time.Time) (bool, string) {
	if s == nil {
		return false, ""
	}
	if s.MaxExecutions != nil && *s.MaxExecutions > 0 && s.SuccessfulExecutions >= *s.MaxExecutions {
		return true, ReasonMaxExecutions
	}
	if s.MaxTotalSpendUSD != nil && s.MaxTotalSpendUSD.IsPositive() {
		if in, err := strategy.IntentOf(s); err == nil && in.AmountUSD.IsPositive() {
			if s.TotalAmountSpentUSD.Add(in.AmountUSD).GreaterThan(*s.MaxTotalSpendUSD) {
				return true, ReasonMaxSpend
			}
		} else if s.TotalAmountSpentUSD.GreaterThanOrEqual(*s.MaxTotalSpendUSD) {
			return true, ReasonMaxSpend
		}
	}
	if s.EndDate != nil && now.After(*s.EndDate) {
		return true, ReasonEndDate
	}
	return false, ""
}

// PastEnd reports whether next falls after the strategy's end date.
func PastEnd(s *models.Strategy, next time.Time) bool {
	return s != nil && s.EndDate != nil && next.After(*s.EndDate)
}
