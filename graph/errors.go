// Package graph provides the execution engine: a builder for named steps with
// static and conditional transitions, compiled into a runnable that executes
// one step at a time per run and checkpoints after every step.
package graph

import "fmt"

// ConfigError reports a graph definition fault: duplicate nodes, dangling
// edges, a router producing a key absent from its target table. These are
// programming errors, not run-time conditions, and are never retried.
type ConfigError struct {
	Code    string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// NodeError wraps a fault returned by a node. The engine does not advance
// past a faulted node; the run terminates with the partial state intact.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
