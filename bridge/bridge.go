// Package bridge publishes door status over MQTT and routes remote commands
// back to the doors. Status topics are retained so late subscribers see the
// current state; control topics carry one command per message.
package bridge

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"garaged/door"
)

const (
	statusPrefix  = "garage/status"
	controlPrefix = "garage/control"

	// Control commands.
	CommandActivate = "activate"
	CommandLock     = "lock"
	CommandIdentify = "identify"
)

// DoorControl is the slice of the door API the bridge drives.
type DoorControl interface {
	Name() string
	State() door.State
	ActivateDoor()
	SetLocked(locked bool)
	IdentifyDoor() bool
	OnStateChange(door.StateChangeFunc)
}

// Publisher is the outbound half of the MQTT client the bridge needs.
type Publisher interface {
	Publish(topic, payload string)
	Subscribe(topic string) error
}

// StateTopic returns the retained status topic for a door's state.
func StateTopic(name string) string {
	return fmt.Sprintf("%s/%s/state", statusPrefix, name)
}

// DistanceTopic returns the retained status topic for a door's ranged
// distance.
func DistanceTopic(name string) string {
	return fmt.Sprintf("%s/%s/distance", statusPrefix, name)
}

// ControlFilter is the subscription filter covering every door command.
func ControlFilter() string {
	return controlPrefix + "/+/+"
}

// ParseControlTopic splits a control topic into door name and command. It
// reports false for topics outside the control namespace.
func ParseControlTopic(topic string) (name, command string, ok bool) {
	rest, found := strings.CutPrefix(topic, controlPrefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ParseBool interprets a lock-command payload.
func ParseBool(payload []byte) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "true", "on", "1", "locked":
		return true, nil
	case "false", "off", "0", "unlocked":
		return false, nil
	}
	return false, fmt.Errorf("unrecognized boolean payload %q", payload)
}

// Bridge fans door status out to MQTT and dispatches inbound commands.
type Bridge struct {
	pub   Publisher
	log   zerolog.Logger
	doors map[string]DoorControl
}

// New creates a Bridge over the given doors.
func New(pub Publisher, doors []DoorControl, log zerolog.Logger) *Bridge {
	byName := make(map[string]DoorControl, len(doors))
	for _, d := range doors {
		byName[d.Name()] = d
	}
	b := &Bridge{pub: pub, log: log, doors: byName}
	for _, d := range doors {
		d := d
		d.OnStateChange(func(_, new door.State) {
			b.pub.Publish(StateTopic(d.Name()), new.String())
		})
	}
	return b
}

// Announce publishes the current state of every door and subscribes to the
// control namespace. Call it from the on-connect handler so a reconnect
// refreshes the retained topics.
func (b *Bridge) Announce() {
	if err := b.pub.Subscribe(ControlFilter()); err != nil {
		b.log.Error().Err(err).Msg("subscribe control topics")
	}
	for name, d := range b.doors {
		b.pub.Publish(StateTopic(name), d.State().String())
	}
}

// PublishDistance reports a ranged distance in meters for a door.
func (b *Bridge) PublishDistance(name string, meters float64) {
	b.pub.Publish(DistanceTopic(name), fmt.Sprintf("%.3f", meters))
}

// HandleMessage routes one inbound MQTT message. Unknown doors and commands
// are logged and dropped.
func (b *Bridge) HandleMessage(topic string, payload []byte) {
	name, command, ok := ParseControlTopic(topic)
	if !ok {
		return
	}
	d, ok := b.doors[name]
	if !ok {
		b.log.Warn().Str("door", name).Str("topic", topic).Msg("command for unknown door")
		return
	}

	switch command {
	case CommandActivate:
		b.log.Info().Str("door", name).Msg("remote activation requested")
		d.ActivateDoor()
	case CommandLock:
		locked, err := ParseBool(payload)
		if err != nil {
			b.log.Warn().Err(err).Str("door", name).Msg("bad lock payload")
			return
		}
		d.SetLocked(locked)
	case CommandIdentify:
		d.IdentifyDoor()
	default:
		b.log.Warn().Str("door", name).Str("command", command).Msg("unknown command")
	}
}
