package policy

import "time"

// Action is the outcome of a limit evaluation.
type Action string

const (
	// ActionAllow lets the session continue.
	ActionAllow Action = "ALLOW"
	// ActionWarn announces an imminent shutdown and arms a deadline.
	ActionWarn Action = "WARN"
	// ActionEnforce puts the console into standby now.
	ActionEnforce Action = "ENFORCE"
)

// Decision is the result of evaluating one user on one device.
type Decision struct {
	Action    Action
	User      string
	DeviceID  string
	Reason    string
	LimitMin  int
	UsedMin   int
	Remaining int
	// Deadline is set for WARN decisions: the instant at which the
	// shutdown fires unless the warning is cancelled.
	Deadline time.Time
}

// Enforcement is a due shutdown produced by the deadline scan.
type Enforcement struct {
	User     string
	DeviceID string
	Reason   string
}
