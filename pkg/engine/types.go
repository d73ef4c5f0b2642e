package engine

// ActionReport is emitted once per unhealthy event. Restarted and Killed are
// never both true; both false means the action failed or was skipped.
type ActionReport struct {
	ContainerID string
	RetryCount  int
	Restarted   bool
	Killed      bool
}

// MonitorOptions controls the escalation policy of MonitorHealthStatus.
type MonitorOptions struct {
	// RestartThreshold is the number of consecutive unhealthy events answered
	// with a restart before escalating.
	RestartThreshold int

	// KillOnExceed kills containers past the threshold. When false they are
	// left alone but still reported.
	KillOnExceed bool

	// SkipMalformedEvents logs and skips unparseable lines instead of ending
	// the run.
	SkipMalformedEvents bool
}
