// Package filelock coordinates exclusive access to files across workers.
//
// Workers lock every file they intend to modify before writing it. A path is
// held by at most one worker at a time; a worker that finds a path busy waits
// a fixed retry interval and tries again until it is granted the lock or its
// context is cancelled. Locks that outlive their TTL are force-released by a
// background sweep so that a crashed or stuck worker cannot hold a file
// forever.
//
// # Basic Usage
//
//	reg := filelock.NewRegistry(filelock.WithBus(bus), filelock.WithLogger(logger))
//	go reg.Run(ctx) // stale sweep
//
//	if err := reg.Acquire(ctx, "pkg/foo.go", "worker-1"); err != nil {
//	    return err // context cancelled while waiting
//	}
//	defer reg.ReleaseAll("worker-1")
//
// # Thread Safety
//
// Every operation runs in a single critical section on one mutex. Events are
// published and callbacks invoked after the mutex is released.
package filelock
