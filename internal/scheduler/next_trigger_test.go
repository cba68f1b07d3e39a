package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/agentspace/internal/model"
)

func utc(year int, month time.Month, day, hour, minute, second int) time.Time {
	return time.Date(year, month, day, hour, minute, second, 0, time.UTC)
}

func TestNextTrigger(t *testing.T) {
	tests := []struct {
		name     string
		schedule model.ScheduleType
		now      time.Time
		want     time.Time
	}{
		{
			name:     "Daily Later Today",
			schedule: model.Daily(model.At(9, 0, 0)),
			now:      utc(2024, 1, 1, 8, 0, 0),
			want:     utc(2024, 1, 1, 9, 0, 0),
		},
		{
			name:     "Daily Already Passed",
			schedule: model.Daily(model.At(9, 0, 0)),
			now:      utc(2024, 1, 1, 10, 0, 0),
			want:     utc(2024, 1, 2, 9, 0, 0),
		},
		{
			name:     "Daily Exactly Now",
			schedule: model.Daily(model.At(9, 0, 0)),
			now:      utc(2024, 1, 1, 9, 0, 0),
			want:     utc(2024, 1, 2, 9, 0, 0),
		},
		{
			name:     "Weekly Later This Week",
			schedule: model.Weekly(time.Friday, model.At(17, 30, 0)),
			now:      utc(2024, 1, 1, 12, 0, 0), // Monday
			want:     utc(2024, 1, 5, 17, 30, 0),
		},
		{
			name:     "Weekly Today Not Yet Passed",
			schedule: model.Weekly(time.Monday, model.At(17, 0, 0)),
			now:      utc(2024, 1, 1, 12, 0, 0),
			want:     utc(2024, 1, 1, 17, 0, 0),
		},
		{
			name:     "Weekly Today Already Passed",
			schedule: model.Weekly(time.Monday, model.At(9, 0, 0)),
			now:      utc(2024, 1, 1, 12, 0, 0),
			want:     utc(2024, 1, 8, 9, 0, 0),
		},
		{
			name:     "Monthly This Month",
			schedule: model.Monthly(15, model.At(0, 0, 0)),
			now:      utc(2024, 1, 10, 0, 0, 0),
			want:     utc(2024, 1, 15, 0, 0, 0),
		},
		{
			name:     "Monthly Skips February",
			schedule: model.Monthly(31, model.At(0, 0, 0)),
			now:      utc(2024, 2, 10, 0, 0, 0),
			want:     utc(2024, 3, 31, 0, 0, 0),
		},
		{
			name:     "Monthly Past In Long Month",
			schedule: model.Monthly(31, model.At(0, 0, 0)),
			now:      utc(2024, 1, 31, 12, 0, 0),
			want:     utc(2024, 3, 31, 0, 0, 0),
		},
		{
			name:     "Interval",
			schedule: model.Every(90 * time.Second),
			now:      utc(2024, 1, 1, 0, 0, 0),
			want:     utc(2024, 1, 1, 0, 1, 30),
		},
		{
			name:     "Once In Future",
			schedule: model.Once(utc(2024, 5, 1, 6, 0, 0)),
			now:      utc(2024, 1, 1, 0, 0, 0),
			want:     utc(2024, 5, 1, 6, 0, 0),
		},
		{
			name:     "Cron Five Fields",
			schedule: model.Cron("30 9 * * *"),
			now:      utc(2024, 1, 1, 10, 0, 0),
			want:     utc(2024, 1, 2, 9, 30, 0),
		},
		{
			name:     "Cron With Seconds",
			schedule: model.Cron("*/15 * * * * *"),
			now:      utc(2024, 1, 1, 10, 0, 0),
			want:     utc(2024, 1, 1, 10, 0, 15),
		},
		{
			name:     "Cron Descriptor",
			schedule: model.Cron("@hourly"),
			now:      utc(2024, 1, 1, 10, 20, 0),
			want:     utc(2024, 1, 1, 11, 0, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := NextTrigger(tt.schedule, tt.now)
			require.NoError(t, err)
			require.NotNil(t, next)
			assert.Equal(t, tt.want, *next)
			assert.True(t, next.After(tt.now))
		})
	}
}

func TestNextTriggerNone(t *testing.T) {
	now := utc(2024, 1, 1, 0, 0, 0)

	next, err := NextTrigger(model.Once(now.Add(-time.Minute)), now)
	require.NoError(t, err)
	assert.Nil(t, next)

	next, err = NextTrigger(model.Once(now), now)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextTriggerErrors(t *testing.T) {
	now := utc(2024, 1, 1, 0, 0, 0)

	tests := []struct {
		name     string
		schedule model.ScheduleType
	}{
		{"Malformed Cron", model.Cron("not a cron")},
		{"Zero Interval", model.Every(0)},
		{"Negative Interval", model.Every(-time.Second)},
		{"Hour Out Of Range", model.Daily(model.At(24, 0, 0))},
		{"Day Zero", model.Monthly(0, model.At(0, 0, 0))},
		{"Day Out Of Range", model.Monthly(32, model.At(0, 0, 0))},
		{"Unknown Kind", model.ScheduleType{Kind: "hourly"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NextTrigger(tt.schedule, now)
			assert.ErrorIs(t, err, model.ErrSchedule)
		})
	}
}
