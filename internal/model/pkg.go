package model

import "time"

// PackageState is the run state of the execution package, as reported over
// the wire. Only the Manager transitions it.
type PackageState string

const (
	PackageUndefined PackageState = "undefined"
	PackageStarting  PackageState = "starting"
	PackageRunning   PackageState = "running"
	PackagePaused    PackageState = "paused"
	PackageStopping  PackageState = "stopping"
	PackageStopped   PackageState = "stopped"
)

// Valid reports whether s is one of the defined package states.
func (s PackageState) Valid() bool {
	switch s {
	case PackageUndefined, PackageStarting, PackageRunning, PackagePaused, PackageStopping, PackageStopped:
		return true
	}
	return false
}

// PackageSummary is the listing form of an installed execution package.
type PackageSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ProjectID string    `json:"projectId,omitempty"`
	Built     time.Time `json:"built,omitempty"`
	Executed  time.Time `json:"executed,omitempty"`
}
