package stack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ListRuns lists recent runs from the sqlite state store.
func ListRuns(root string, limit int) ([]RunIndexEntry, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	statePath := filepath.Join(root, stateSQLiteRelPath)
	if _, err := os.Stat(statePath); err != nil {
		return nil, fmt.Errorf("no runs found (expected %s)", statePath)
	}
	s, err := openStateStore(root, true)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.ListRuns(context.Background(), limit)
}

// LoadMostRecentRun returns the id of the newest recorded run.
func LoadMostRecentRun(root string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	statePath := filepath.Join(root, stateSQLiteRelPath)
	if _, err := os.Stat(statePath); err != nil {
		return "", fmt.Errorf("no runs found (expected %s)", statePath)
	}
	s, err := openStateStore(root, true)
	if err != nil {
		return "", err
	}
	defer s.Close()
	runID, err := s.MostRecentRunID(context.Background())
	if err != nil {
		return "", fmt.Errorf("no runs recorded in %s", statePath)
	}
	return runID, nil
}
