// Package agent holds the roster of agents that tasks can be routed to and the
// runtimes used to deliver a running task to its agent. The registry is built
// explicitly from configuration and injected into the dispatcher and the
// execution queue; availability changes only through SetAvailable.
package agent
