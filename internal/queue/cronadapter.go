package queue

import "github.com/robfig/cron/v3"

// robfigParser adapts robfig/cron/v3's cron.Parser to the Scheduler's
// narrower CronParser interface, so the queue package itself does not
// import a cron-syntax-specific type beyond the Next(now) time.Time shape
// spec.md §1 leaves as an external concern.
type robfigParser struct {
	parser cron.Parser
}

// NewStandardCronParser returns a CronParser accepting the traditional
// five-field cron syntax (minute hour dom month dow), matching scenario S3
// ("0 * * * *").
func NewStandardCronParser() CronParser {
	return robfigParser{parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)}
}

func (p robfigParser) Parse(spec string) (CronSchedule, error) {
	sched, err := p.parser.Parse(spec)
	if err != nil {
		return nil, err
	}
	return sched, nil
}
