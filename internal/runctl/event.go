package runctl

import eventemitter "github.com/vansante/go-event-emitter"

// Lifecycle events emitted by the Run Controller's state machine,
// mirroring the teacher's job/event.go shape. statusd attaches listeners
// that log PhaseChangedEvent and BackupCompletedEvent (the phase it
// serves comes from Controller.Status); cmd/run.go's
// logging capturer logs all of them the way jobrunner's tests attach a
// capturer with AddCapturer.
const (
	PhaseChangedEvent    eventemitter.EventType = "phase-changed"
	BackupCompletedEvent eventemitter.EventType = "backup-completed"
)
