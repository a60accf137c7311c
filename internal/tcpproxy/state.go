package tcpproxy

// State is a TCP connection's position in the simplified state machine
// this proxy drives. There is no listening or passive-open state: every
// connection here is opened in response to a SYN already observed on
// the tunnel.
type State int

const (
	StateSynSent State = iota
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}
