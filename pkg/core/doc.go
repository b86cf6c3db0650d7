// Package core defines the task envelope, the driver protocol every queue
// backend implements, the shared error taxonomy, and the lifecycle events
// emitted by the worker scheduler.
//
// Nothing in this package talks to a backend. Drivers live under
// pkg/driver, the scheduler under pkg/worker, and the producer facade
// under pkg/queue; all of them meet here.
package core
