package orphan

import eventemitter "github.com/vansante/go-event-emitter"

// Lifecycle events emitted while scanning and removing orphans,
// mirroring the teacher's job/event.go shape.
const (
	OrphanFoundEvent   eventemitter.EventType = "orphan-found"
	OrphanRemovedEvent eventemitter.EventType = "orphan-removed"
	OrphanSkippedEvent eventemitter.EventType = "orphan-skipped"
)
