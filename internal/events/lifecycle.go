package events

import "time"

// Subjects published on the bus
const (
	SubjectAll                   = "zource.>"
	SubjectPluginInstalled       = "zource.plugins.installed"
	SubjectPluginActivated       = "zource.plugins.activated"
	SubjectPluginDeactivated     = "zource.plugins.deactivated"
	SubjectPluginUninstalled     = "zource.plugins.uninstalled"
	SubjectAutoloaderRegenerated = "zource.autoloader.regenerated"
)

// EventType names a lifecycle transition
type EventType string

const (
	EventInstalled   EventType = "installed"
	EventActivated   EventType = "activated"
	EventDeactivated EventType = "deactivated"
	EventUninstalled EventType = "uninstalled"
	EventRegenerated EventType = "autoloader_regenerated"
)

// LifecycleEvent describes a completed registry mutation
type LifecycleEvent struct {
	PluginID  string    `json:"plugin_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Event     EventType `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	// Entries is the mapping size for autoloader events
	Entries int `json:"entries,omitempty"`
}

// Subject returns the NATS subject the event is published on
func (e LifecycleEvent) Subject() string {
	switch e.Event {
	case EventInstalled:
		return SubjectPluginInstalled
	case EventActivated:
		return SubjectPluginActivated
	case EventDeactivated:
		return SubjectPluginDeactivated
	case EventUninstalled:
		return SubjectPluginUninstalled
	default:
		return SubjectAutoloaderRegenerated
	}
}
