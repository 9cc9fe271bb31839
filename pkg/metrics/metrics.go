package metrics

/*
Labels and so on for metrics used in sacar.
*/

const (
	LabelSuccess = "success"
	LabelMethod  = "method"
	LabelRoute   = "route"

	// Labels for coordinator metrics
	LabelOutcome = "outcome"
	LabelAction  = "action"

	// Labels for agent metrics
	LabelStep = "step"
)
