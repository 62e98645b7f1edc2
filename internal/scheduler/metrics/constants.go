package metrics

// Prefix is prepended to every metric name.
const Prefix = "vecsched_"

const (
	resourceLabel   = "resource"
	kindLabel       = "kind"
	stateLabel      = "state"
	priorStateLabel = "priorState"
	passLabel       = "pass"
	reasonLabel     = "reason"
	hybridLabel     = "hybrid"
	eventLabel      = "event"
	statusLabel     = "status"
	loadLabel       = "load"
	outcomeLabel    = "outcome"
)
