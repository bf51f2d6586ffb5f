package queue

import "github.com/eclaire-labs/eclaire/internal/pkg/logger"

// EventCallbacks is a record of optional function values fired synchronously
// after the corresponding state change commits. SPEC_FULL.md §4.1, §9: a
// record of functions rather than a polymorphic interface/class hierarchy —
// a deliberate deviation from the teacher's JobNotifier interface (see
// DESIGN.md), matching the spec's own design choice. All fields optional;
// a nil field is simply not invoked.
type EventCallbacks struct {
	OnStageStart    func(jobID string, stage Stage, metadata map[string]any)
	OnStageProgress func(jobID string, stage Stage, metadata map[string]any)
	OnStageComplete func(jobID string, stage Stage, metadata map[string]any)
	OnStageFail     func(jobID string, stage Stage, metadata map[string]any)
	OnJobComplete   func(jobID string, job *Job)
	OnJobFail       func(jobID string, job *Job)
}

// fire invokes fn, recovering and logging any panic so a misbehaving
// callback can never abort the worker or undo the transition it followed.
// Grounded in worker.go's own defer/recover wrapping of handler invocation.
func fire(log *logger.Logger, name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.Error("event callback panicked", "callback", name, "panic", r)
			}
		}
	}()
	fn()
}

func (c EventCallbacks) stageStart(log *logger.Logger, jobID string, stage Stage, metadata map[string]any) {
	fire(log, "OnStageStart", func() {
		if c.OnStageStart != nil {
			c.OnStageStart(jobID, stage, metadata)
		}
	})
}

func (c EventCallbacks) stageProgress(log *logger.Logger, jobID string, stage Stage, metadata map[string]any) {
	fire(log, "OnStageProgress", func() {
		if c.OnStageProgress != nil {
			c.OnStageProgress(jobID, stage, metadata)
		}
	})
}

func (c EventCallbacks) stageComplete(log *logger.Logger, jobID string, stage Stage, metadata map[string]any) {
	fire(log, "OnStageComplete", func() {
		if c.OnStageComplete != nil {
			c.OnStageComplete(jobID, stage, metadata)
		}
	})
}

func (c EventCallbacks) stageFail(log *logger.Logger, jobID string, stage Stage, metadata map[string]any) {
	fire(log, "OnStageFail", func() {
		if c.OnStageFail != nil {
			c.OnStageFail(jobID, stage, metadata)
		}
	})
}

func (c EventCallbacks) jobComplete(log *logger.Logger, jobID string, job *Job) {
	fire(log, "OnJobComplete", func() {
		if c.OnJobComplete != nil {
			c.OnJobComplete(jobID, job)
		}
	})
}

func (c EventCallbacks) jobFail(log *logger.Logger, jobID string, job *Job) {
	fire(log, "OnJobFail", func() {
		if c.OnJobFail != nil {
			c.OnJobFail(jobID, job)
		}
	})
}

// OverallProgress computes the arithmetic mean of stage progresses, rounded,
// 0 when there are no stages. SPEC_FULL.md §4.7.
func OverallProgress(stages []Stage) int {
	if len(stages) == 0 {
		return 0
	}
	sum := 0
	for _, s := range stages {
		sum += s.Progress
	}
	// round-half-up on the mean
	return (sum*2 + len(stages)) / (2 * len(stages))
}
