package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"habit-reminder/internal/model"
)

// specParser accepts 6-field cron specs (with seconds), the format
// produced by SpecFor. All specs are evaluated in the scheduler timezone.
var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// TriggerKind distinguishes one-shot from cyclical jobs.
type TriggerKind string

const (
	TriggerOnce TriggerKind = "once"
	TriggerCron TriggerKind = "cron"
)

// Trigger describes when a job fires: either exactly once at an absolute
// instant, or repeatedly according to a cron pattern.
type Trigger struct {
	Kind TriggerKind
	At   time.Time // one-shot fire instant (UTC)
	Spec string    // cron spec for cyclical jobs
}

// Once builds a one-shot trigger firing at the given instant.
func Once(at time.Time) Trigger {
	return Trigger{Kind: TriggerOnce, At: at.UTC()}
}

// Cron builds a cyclical trigger from a 6-field cron spec.
func Cron(spec string) Trigger {
	return Trigger{Kind: TriggerCron, Spec: spec}
}

// Next returns the smallest fire time strictly after now, evaluated in
// loc for cyclical triggers. The zero time means the trigger never fires
// again (a one-shot whose instant already passed).
func (t Trigger) Next(now time.Time, loc *time.Location) (time.Time, error) {
	switch t.Kind {
	case TriggerOnce:
		if t.At.After(now) {
			return t.At, nil
		}
		return time.Time{}, nil
	case TriggerCron:
		sched, err := specParser.Parse(t.Spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron spec %q: %w", t.Spec, err)
		}
		return sched.Next(now.In(loc)), nil
	default:
		return time.Time{}, fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
}

// SpecFor derives the cyclical cron pattern for a frequency from a due
// instant that has already been converted into the scheduler timezone.
// The wall-clock time of day is kept fixed; weekly keeps the weekday,
// monthly the day of month, yearly the month and day.
func SpecFor(freq model.Frequency, local time.Time) (string, error) {
	sec, min, hour := local.Second(), local.Minute(), local.Hour()
	switch freq {
	case model.FrequencyDaily:
		return fmt.Sprintf("%d %d %d * * *", sec, min, hour), nil
	case model.FrequencyWeekly:
		return fmt.Sprintf("%d %d %d * * %d", sec, min, hour, int(local.Weekday())), nil
	case model.FrequencyMonthly:
		return fmt.Sprintf("%d %d %d %d * *", sec, min, hour, local.Day()), nil
	case model.FrequencyYearly:
		return fmt.Sprintf("%d %d %d %d %d *", sec, min, hour, local.Day(), int(local.Month())), nil
	default:
		return "", fmt.Errorf("frequency %q has no cyclical pattern", freq)
	}
}
