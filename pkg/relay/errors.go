package relay

// PolicyError reports a send the routing rules forbid, raised synchronously
// before any envelope is built.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }

// FaultName names the error on the wire.
func (e *PolicyError) FaultName() string { return "RoutingPolicyError" }
