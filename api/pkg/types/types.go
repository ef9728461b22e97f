// Package types holds the shared value types exchanged between the
// device event sources, the session manager core and the bus glue.
package types

import "fmt"

// DeviceAction is the hot-plug action reported for a device event.
type DeviceAction string

const (
	DeviceAdd    DeviceAction = "add"
	DeviceChange DeviceAction = "change"
	DeviceRemove DeviceAction = "remove"
)

// DeviceKind tells the dispatcher which handler an event belongs to.
// Events arrive pre-classified; the manager never re-inspects udev rules.
type DeviceKind int

const (
	SeatDevice DeviceKind = iota
	ButtonDevice
)

// DeviceEvent is the abstract shape of a kernel hot-plug event after udev
// classification. Seat devices are identified by syspath, button devices
// by sysname.
type DeviceEvent struct {
	Action     DeviceAction
	Kind       DeviceKind
	Syspath    string
	Sysname    string
	Properties map[string]string
	Tags       map[string]struct{}
}

// Property returns the named udev property, or "" when absent.
func (e *DeviceEvent) Property(name string) string {
	return e.Properties[name]
}

// HasTag reports whether the udev tag is set on the event.
func (e *DeviceEvent) HasTag(tag string) bool {
	_, ok := e.Tags[tag]
	return ok
}

// SessionState is the lifecycle state of a login session.
type SessionState string

const (
	SessionOpening SessionState = "opening"
	SessionOnline  SessionState = "online"
	SessionActive  SessionState = "active"
	SessionClosing SessionState = "closing"
	SessionClosed  SessionState = "closed"
)

// IsAliveState reports whether a session in this state still counts as a
// live login (used by the inhibitor engine's active-session filter).
func (s SessionState) IsAliveState() bool {
	return s == SessionActive || s == SessionOnline
}

// SessionClass distinguishes regular logins from greeters and lock screens.
type SessionClass string

const (
	ClassUser       SessionClass = "user"
	ClassGreeter    SessionClass = "greeter"
	ClassLockScreen SessionClass = "lock-screen"
	ClassBackground SessionClass = "background"
)

// SessionType is the display technology of a session.
type SessionType string

const (
	TypeUnspecified SessionType = "unspecified"
	TypeTTY         SessionType = "tty"
	TypeX11         SessionType = "x11"
	TypeWayland     SessionType = "wayland"
	TypeMir         SessionType = "mir"
)

// PowerAction is what the daemon does in response to a power key, a lid
// switch or a stable idle hint.
type PowerAction string

const (
	ActionIgnore      PowerAction = "ignore"
	ActionPowerOff    PowerAction = "poweroff"
	ActionReboot      PowerAction = "reboot"
	ActionHalt        PowerAction = "halt"
	ActionSuspend     PowerAction = "suspend"
	ActionHibernate   PowerAction = "hibernate"
	ActionHybridSleep PowerAction = "hybrid-sleep"
	ActionLock        PowerAction = "lock"
)

var powerActions = map[PowerAction]struct{}{
	ActionIgnore:      {},
	ActionPowerOff:    {},
	ActionReboot:      {},
	ActionHalt:        {},
	ActionSuspend:     {},
	ActionHibernate:   {},
	ActionHybridSleep: {},
	ActionLock:        {},
}

// ParsePowerAction validates a configured action string.
func ParsePowerAction(s string) (PowerAction, error) {
	a := PowerAction(s)
	if _, ok := powerActions[a]; !ok {
		return "", fmt.Errorf("unknown power action %q", s)
	}
	return a, nil
}

// Decode implements envconfig.Decoder so power actions can be set directly
// from the environment.
func (a *PowerAction) Decode(value string) error {
	parsed, err := ParsePowerAction(value)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
