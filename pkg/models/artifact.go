package models

import "time"

// Artifact is a point-in-time view of a file known to the build.
type Artifact struct {
	Path    string    `json:"path"`     // Normalized slash path relative to the project root
	ModTime time.Time `json:"mod_time"` // Zero when the file does not exist
	Exists  bool      `json:"exists"`
}
