package docker

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Label keys set on every container kiln creates
const (
	LabelProject      = "kiln.project"
	LabelInstanceName = "kiln.instance.name"
	LabelRunID        = "kiln.run_id"
	LabelComponent    = "kiln.component"
	LabelKind         = "kiln.candidate.kind"
	LabelCandidate    = "kiln.candidate.path"
)

// ComponentSmoke marks smoke test containers.
const ComponentSmoke = "smoke"

// BuildLabels creates the label set for one smoke container. runID ties the
// container to a single smoke test so a crashed parent's leftovers can be
// found and removed.
func BuildLabels(instanceName, runID, kind, path string) map[string]string {
	labels := map[string]string{
		LabelProject:      "true",
		LabelInstanceName: instanceName,
		LabelRunID:        runID,
		LabelComponent:    ComponentSmoke,
	}
	if kind != "" {
		labels[LabelKind] = kind
	}
	if path != "" {
		labels[LabelCandidate] = path
	}
	return labels
}

// GenerateRunID creates a new UUID for one smoke test.
func GenerateRunID() string {
	return uuid.New().String()
}

// SmokeContainerName returns the container name for a smoke test run.
// Docker names allow [a-zA-Z0-9_.-] only, so other instance characters
// are replaced.
func SmokeContainerName(instanceName, runID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		}
		return '-'
	}, instanceName)
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return fmt.Sprintf("kiln-smoke-%s-%s", clean, runID)
}
