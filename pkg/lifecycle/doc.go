// Package lifecycle tracks the run state of long-lived components.
//
// A Manager moves through Stopped, Starting, Running, Stopping and Crashed,
// owns the cancel function of the current run, and waits for the
// goroutines started through Go before reporting Stopped:
//
//	m := lifecycle.NewManager(logger)
//	ctx, err := m.Begin(parent, "worker start")
//	if err != nil {
//	    return err
//	}
//	m.Go("backlog", func(ctx context.Context) error { return drv.Run(ctx) })
//	_ = m.MarkRunning("connected")
//	...
//	err = m.Stop(lifecycle.ShutdownTimeout)
//
// Valid transitions:
//   - Stopped -> Starting
//   - Starting -> Running, Stopping, Crashed
//   - Running -> Stopping, Stopped, Crashed
//   - Stopping -> Stopped, Crashed
//   - Crashed -> Starting
package lifecycle
