// File: internal/stack/doc.go
// Brief: Package overview.

// Package stack turns a directory tree of stack definitions into a
// dependency-ordered execution plan and runs it against CloudFormation:
// discovery, hierarchical config merge, selection, DAG planning, and the
// event-sourced run engine with hooks, retries and state persistence.
package stack
