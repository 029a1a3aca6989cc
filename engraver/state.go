package engraver

import "encoding/json"

// State is the connection lifecycle state of a Device.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Moving
	FanToggling
	Homing
	Centering
	Starting
	Engraving
	Stopping
)

var stateNames = [...]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Ready:        "ready",
	Moving:       "moving",
	FanToggling:  "fan-toggling",
	Homing:       "homing",
	Centering:    "centering",
	Starting:     "starting",
	Engraving:    "engraving",
	Stopping:     "stopping",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Connected reports whether a connection is open in state s.
func (s State) Connected() bool {
	return s != Disconnected && s != Connecting
}
