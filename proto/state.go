package proto

// State is the connection state machine shared by the client (Context) and
// server (Connection) views of a peer (spec.md §3/§4.6).
type State int32

const (
	Unconnected State = iota
	Connecting
	Authorizing
	SettingName
	Ready
	Failed
	Terminated
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "UNCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Authorizing:
		return "AUTHORIZING"
	case SettingName:
		return "SETTING_NAME"
	case Ready:
		return "READY"
	case Failed:
		return "FAILED"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// legalNext enumerates the successors allowed from each state (spec.md
// §4.6/testable property #6: "From any state, the next state is one of
// the legal successors... No state appears twice after leaving it except
// via UNCONNECTED reentry after full teardown").
var legalNext = map[State][]State{
	Unconnected:  {Connecting},
	Connecting:   {Authorizing, Failed, Terminated},
	Authorizing:  {SettingName, Failed, Terminated},
	SettingName:  {Ready, Failed, Terminated},
	Ready:        {Failed, Terminated},
	Failed:       {Unconnected, Connecting},
	Terminated:   {Unconnected, Connecting},
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to State) bool {
	for _, s := range legalNext[from] {
		if s == to {
			return true
		}
	}
	return false
}
