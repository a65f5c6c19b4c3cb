// Package process supervises long-running child processes.
//
// The bridge leans on external protocol daemons, gattd foremost, that
// must stay up for the lifetime of the service. Manager starts such a
// daemon, captures its output, watches it with optional health checks,
// and restarts it with exponential backoff when it dies. Failures that
// implement RecoverableError and report false are treated as permanent
// and stop the restart loop.
//
// Typical wiring:
//
//	mgr := process.NewManager(process.Config{
//	    Name:             "gattd",
//	    Binary:           "/usr/local/bin/gattd",
//	    Args:             []string{"-a", "hci0", "-i7120"},
//	    RestartOnFailure: true,
//	    HealthCheckFunc:  probeSocket,
//	})
//
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
