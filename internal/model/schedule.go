package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduleKind identifies the schedule variant
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
	ScheduleMonthly  ScheduleKind = "monthly"
)

// TimeOfDay is a wall clock time in UTC
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

// At builds a TimeOfDay
func At(hour, minute, second int) TimeOfDay {
	return TimeOfDay{Hour: hour, Minute: minute, Second: second}
}

// Validate checks the clock fields are in range
func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return fmt.Errorf("%w: time of day %s out of range", ErrSchedule, t)
	}
	return nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// ScheduleType is a closed set of schedule variants. Only the fields of
// the selected Kind are meaningful.
type ScheduleType struct {
	Kind       ScheduleKind  `json:"kind"`
	Expression string        `json:"expression,omitempty"`
	Interval   time.Duration `json:"interval,omitempty"`
	At         time.Time     `json:"at,omitempty"`
	Time       TimeOfDay     `json:"time"`
	Weekday    time.Weekday  `json:"weekday,omitempty"`
	Day        int           `json:"day,omitempty"`
}

func Cron(expression string) ScheduleType {
	return ScheduleType{Kind: ScheduleCron, Expression: expression}
}

func Every(d time.Duration) ScheduleType {
	return ScheduleType{Kind: ScheduleInterval, Interval: d}
}

func Once(at time.Time) ScheduleType {
	return ScheduleType{Kind: ScheduleOnce, At: at.UTC()}
}

func Daily(at TimeOfDay) ScheduleType {
	return ScheduleType{Kind: ScheduleDaily, Time: at}
}

func Weekly(weekday time.Weekday, at TimeOfDay) ScheduleType {
	return ScheduleType{Kind: ScheduleWeekly, Weekday: weekday, Time: at}
}

func Monthly(day int, at TimeOfDay) ScheduleType {
	return ScheduleType{Kind: ScheduleMonthly, Day: day, Time: at}
}

func (s ScheduleType) String() string {
	switch s.Kind {
	case ScheduleCron:
		return "cron(" + s.Expression + ")"
	case ScheduleInterval:
		return "every " + s.Interval.String()
	case ScheduleOnce:
		return "once at " + s.At.Format(time.RFC3339)
	case ScheduleDaily:
		return "daily at " + s.Time.String()
	case ScheduleWeekly:
		return fmt.Sprintf("weekly on %s at %s", s.Weekday, s.Time)
	case ScheduleMonthly:
		return fmt.Sprintf("monthly on day %d at %s", s.Day, s.Time)
	}
	return string(s.Kind)
}

// ScheduleRule materializes an action for an agent whenever it fires
type ScheduleRule struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	Name          string         `json:"name"`
	Schedule      ScheduleType   `json:"schedule"`
	Action        ActionTemplate `json:"action"`
	Active        bool           `json:"active"`
	CreatedAt     time.Time      `json:"created_at"`
	LastTriggered *time.Time     `json:"last_triggered,omitempty"`
	NextTrigger   *time.Time     `json:"next_trigger,omitempty"`
}

// NewScheduleRule creates an active rule
func NewScheduleRule(agentID, name string, schedule ScheduleType, action ActionTemplate) *ScheduleRule {
	return &ScheduleRule{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Name:      name,
		Schedule:  schedule,
		Action:    action,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a copy that shares no pointers with r
func (r *ScheduleRule) Clone() *ScheduleRule {
	c := *r
	c.Action.Type.Args = append([]string(nil), r.Action.Type.Args...)
	c.Action.Input = append([]byte(nil), r.Action.Input...)
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		c.LastTriggered = &t
	}
	if r.NextTrigger != nil {
		t := *r.NextTrigger
		c.NextTrigger = &t
	}
	return &c
}
