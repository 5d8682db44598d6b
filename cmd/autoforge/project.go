package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"autoforge/internal/state"
)

// resolveProjectID returns explicit when non-empty, otherwise the most
// recently touched run directory under persistDir - the single-operator
// convenience the teacher's campaign status command offers via "find the
// latest by UpdatedAt" (cmd_campaign.go's runCampaignStatus), here keyed
// off state.json's mtime since ProjectState has no separate UpdatedAt
// field.
func resolveProjectID(persistDir, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	entries, err := os.ReadDir(persistDir)
	if err != nil {
		return "", fmt.Errorf("read persist dir %s: %w", persistDir, err)
	}

	var latestID string
	var latestMod time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		statePath := filepath.Join(persistDir, e.Name(), "state.json")
		info, err := os.Stat(statePath)
		if err != nil {
			continue
		}
		if info.ModTime().After(latestMod) {
			latestMod = info.ModTime()
			latestID = e.Name()
		}
	}
	if latestID == "" {
		return "", fmt.Errorf("no runs found under %s", persistDir)
	}
	return latestID, nil
}

// loadRun reads back the persisted ProjectState for projectID, resolving
// "latest" when projectID is empty.
func loadRun(persistDir, projectID string) (*state.ProjectState, error) {
	id, err := resolveProjectID(persistDir, projectID)
	if err != nil {
		return nil, err
	}
	return state.Load(persistDir, id)
}
