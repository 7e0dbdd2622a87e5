// Package api exposes the governance core over REST: dispatching tasks,
// reporting results from out-of-process agents, council proposals and votes,
// agent availability and constitution health.
package api
