package relay

// Status is the lifecycle state of a Relay.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// StatusReporter is told about every status change.
type StatusReporter interface {
	ReportStatus(status Status, message string)
}

// setStatus records the status and notifies the reporter, if any.
func (r *Relay) setStatus(status Status, message string) {
	r.statusMu.Lock()
	r.status = status
	reporter := r.statusReporter
	r.statusMu.Unlock()

	if reporter != nil {
		reporter.ReportStatus(status, message)
	}
}

// Status returns the current lifecycle state.
func (r *Relay) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}
