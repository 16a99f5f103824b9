// File: internal/cloud/aws_status.go
// Brief: Stack status classification.

package cloud

import "strings"

// classifyStatus maps a raw stack status to an engine state. The mapping
// depends on the action: ROLLBACK_COMPLETE is a terminal failure for a
// create, and DELETE_COMPLETE only counts as success for a delete.
func classifyStatus(action Action, status string) State {
	if strings.HasSuffix(status, "_IN_PROGRESS") {
		return StateInProgress
	}
	switch action {
	case ActionDelete:
		if status == "DELETE_COMPLETE" {
			return StateSucceeded
		}
		return StateFailed
	case ActionUpdate:
		if status == "UPDATE_COMPLETE" {
			return StateSucceeded
		}
		return StateFailed
	default:
		switch status {
		case "CREATE_COMPLETE", "UPDATE_COMPLETE", "IMPORT_COMPLETE":
			return StateSucceeded
		}
		return StateFailed
	}
}
