package mesh

// Role tells which side of the offer/answer exchange a session plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State is the negotiation state of one peer session.
type State int32

const (
	StateNew State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateHaveLocalOffer:
		return "HAVE_LOCAL_OFFER"
	case StateHaveRemoteOffer:
		return "HAVE_REMOTE_OFFER"
	case StateStable:
		return "STABLE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// canMove reports whether to is a legal successor of s. CLOSED is
// reachable from every other state and is terminal.
func (s State) canMove(to State) bool {
	if to == StateClosed {
		return s != StateClosed
	}
	switch s {
	case StateNew:
		return to == StateHaveLocalOffer || to == StateHaveRemoteOffer
	case StateHaveLocalOffer, StateHaveRemoteOffer:
		return to == StateStable
	}
	return false
}
