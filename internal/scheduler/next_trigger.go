package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/t77yq/agentspace/internal/model"
)

// monthlyLookahead is how many consecutive months are tried for a Monthly
// day before the schedule is rejected
const monthlyLookahead = 3

// cronParser accepts standard five field expressions, an optional leading
// seconds field and descriptors such as @hourly
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a cron expression
func ParseCron(expression string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: cron expression %q: %v", model.ErrSchedule, expression, err)
	}
	return sched, nil
}

// NextTrigger computes the first fire time of st after now. All calendar
// arithmetic happens in UTC. A nil time without error means the schedule
// will never fire again.
func NextTrigger(st model.ScheduleType, now time.Time) (*time.Time, error) {
	now = now.UTC()

	switch st.Kind {
	case model.ScheduleCron:
		sched, err := ParseCron(st.Expression)
		if err != nil {
			return nil, err
		}
		next := sched.Next(now)
		if next.IsZero() {
			return nil, fmt.Errorf("%w: cron expression %q never fires", model.ErrSchedule, st.Expression)
		}
		next = next.UTC()
		return &next, nil

	case model.ScheduleInterval:
		if st.Interval <= 0 {
			return nil, fmt.Errorf("%w: interval must be positive, got %s", model.ErrSchedule, st.Interval)
		}
		next := now.Add(st.Interval)
		return &next, nil

	case model.ScheduleOnce:
		if st.At.After(now) {
			next := st.At.UTC()
			return &next, nil
		}
		return nil, nil

	case model.ScheduleDaily:
		if err := st.Time.Validate(); err != nil {
			return nil, err
		}
		next := atTime(now, st.Time)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return &next, nil

	case model.ScheduleWeekly:
		if err := st.Time.Validate(); err != nil {
			return nil, err
		}
		if st.Weekday < time.Sunday || st.Weekday > time.Saturday {
			return nil, fmt.Errorf("%w: weekday %d out of range", model.ErrSchedule, st.Weekday)
		}
		daysAhead := (int(st.Weekday) - int(now.Weekday()) + 7) % 7
		next := atTime(now, st.Time).AddDate(0, 0, daysAhead)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return &next, nil

	case model.ScheduleMonthly:
		if err := st.Time.Validate(); err != nil {
			return nil, err
		}
		if st.Day < 1 || st.Day > 31 {
			return nil, fmt.Errorf("%w: day of month %d out of range", model.ErrSchedule, st.Day)
		}
		for i := 0; i < monthlyLookahead; i++ {
			year, month := now.Year(), now.Month()+time.Month(i)
			// time.Date normalizes day overflow into the following month,
			// so a changed month means the day does not exist
			next := time.Date(year, month, st.Day, st.Time.Hour, st.Time.Minute, st.Time.Second, 0, time.UTC)
			first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
			if next.Month() != first.Month() {
				continue
			}
			if next.After(now) {
				return &next, nil
			}
		}
		return nil, fmt.Errorf("%w: day %d does not occur in the next %d months",
			model.ErrSchedule, st.Day, monthlyLookahead)
	}

	return nil, fmt.Errorf("%w: unknown schedule kind %q", model.ErrSchedule, st.Kind)
}

func atTime(day time.Time, t model.TimeOfDay) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, t.Second, 0, time.UTC)
}
