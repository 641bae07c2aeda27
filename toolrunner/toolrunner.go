// Package toolrunner declares the tool-execution collaborator the core
// consumes but never implements (spec.md §1, §6). The ToolTracker and
// Vidhi's learned procedures both operate on ToolCallRecord-shaped data;
// Runner is what a host wires to actually invoke a named tool with
// arguments and get a result back.
//
// Grounded on the teacher's core.Tool / Capability-call path
// (itsneelabh-gomind/core/tool.go), generalized from "call my own
// registered capability" to "invoke any named external tool."
package toolrunner

import "context"

// Call describes one tool invocation request.
type Call struct {
	Name  string
	Input map[string]interface{}
}

// Result is what a tool invocation produced.
type Result struct {
	Output  interface{}
	IsError bool
	Message string // populated when IsError is true
}

// Runner is the abstract tool-execution capability.
type Runner interface {
	Execute(ctx context.Context, call Call) (Result, error)
}
