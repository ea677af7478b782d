package orchestrator

import eventemitter "github.com/vansante/go-event-emitter"

// Lifecycle events emitted during a run, mirroring the teacher's
// job/event.go shape.
const (
	SnapshotCreatedEvent   eventemitter.EventType = "snapshot-created"
	SnapshotHeldEvent      eventemitter.EventType = "snapshot-held"
	SnapshotStampedEvent   eventemitter.EventType = "snapshot-stamped"
	SnapshotReleasedEvent  eventemitter.EventType = "snapshot-released"
	SnapshotDestroyedEvent eventemitter.EventType = "snapshot-destroyed"
	SnapshotSkippedEvent   eventemitter.EventType = "snapshot-skipped"
)
