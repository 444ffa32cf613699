// Package k8s submits jobs to a Kubernetes cluster through the kubectl CLI
// and reconciles their terminal state.
package k8s

import (
	"regexp"
	"strings"
)

var invalidLabelChars = regexp.MustCompile(`[^a-z0-9-]+`)

// NormalizeJobName derives a DNS-1123 label from a job ID: lowercase
// alphanumerics and '-', "k2p-" prefix, at most 63 characters, no trailing
// '-'.
func NormalizeJobName(jobID string) string {
	base := invalidLabelChars.ReplaceAllString(strings.ToLower(jobID), "-")
	name := "k2p-" + base
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}
