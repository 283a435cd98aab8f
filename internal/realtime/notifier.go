package realtime

import "time"

// Notifier receives progress and log events for fan-out to subscribers.
// Implementations must be safe to call with no subscribers and must not
// block the caller: emission is fire-and-forget.
type Notifier interface {
	NotifyStageProgress(projectID string, stageKey string, percent int, detail string)
	NotifyLogLine(projectID string, message string, timestamp time.Time)
}

// NopNotifier discards all events. Used when no realtime hub is wired.
type NopNotifier struct{}

func (NopNotifier) NotifyStageProgress(string, string, int, string) {}

func (NopNotifier) NotifyLogLine(string, string, time.Time) {}
