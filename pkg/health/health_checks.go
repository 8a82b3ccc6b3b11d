package health

// DriveCheck is unhealthy once the drive has been closed.
func DriveCheck(d DriveState) CheckFunc {
	return func() Check {
		check := Check{
			Name: "drive",
			Details: map[string]any{
				"version":  d.Version(),
				"writable": d.Writable(),
			},
		}
		if d.Closed() {
			check.Status = StatusUnhealthy
			check.Message = "Drive closed"
			return check
		}
		check.Status = StatusHealthy
		return check
	}
}

// ReplicationCheck compares open sessions with the number of configured
// peers. A drive with no peers configured and none connected runs
// standalone.
func ReplicationCheck(d DriveState, configured int) CheckFunc {
	return func() Check {
		peers := d.Peers()
		check := Check{
			Name: "replication",
			Details: map[string]any{
				"sessions":         peers,
				"configured_peers": configured,
			},
		}
		switch {
		case configured == 0 && peers == 0:
			check.Status = StatusHealthy
			check.Message = "Standalone mode"
		case peers == 0:
			check.Status = StatusDegraded
			check.Message = "No connected peers"
		case peers < configured:
			check.Status = StatusDegraded
			check.Message = "Some peers disconnected"
		default:
			check.Status = StatusHealthy
		}
		return check
	}
}

// SignalCheck is healthy once ch is closed, such as a drive's ContentReady.
func SignalCheck(name string, ch <-chan struct{}) CheckFunc {
	return func() Check {
		select {
		case <-ch:
			return Check{Name: name, Status: StatusHealthy}
		default:
			return Check{Name: name, Status: StatusUnhealthy, Message: "Waiting"}
		}
	}
}
