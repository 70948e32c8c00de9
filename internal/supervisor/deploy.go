package supervisor

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DeployWindow is how long after a deploy a crash still counts against it.
const DeployWindow = 60 * time.Second

// DeployCrashLimit is how many in-window crashes trigger a rollback.
const DeployCrashLimit = 3

// deployState is the persisted deploy marker.
type deployState struct {
	LastDeploy time.Time `json:"lastDeploy"`
}

// DeployStore persists the deploy marker and the known-good revision
// pointer. Both files are written atomically (temp + rename).
type DeployStore struct {
	statePath string
	refPath   string
}

// NewDeployStore returns a store over the two state files.
func NewDeployStore(statePath, refPath string) *DeployStore {
	return &DeployStore{statePath: statePath, refPath: refPath}
}

// RecordDeploy stamps the deploy marker with the current wall clock.
func (d *DeployStore) RecordDeploy(now time.Time) error {
	b, err := json.Marshal(&deployState{LastDeploy: now})
	if err != nil {
		return err
	}
	return atomicWrite(d.statePath, b, 0o644)
}

// LastDeploy reads the deploy marker. Zero time when absent or unreadable.
func (d *DeployStore) LastDeploy() time.Time {
	b, err := os.ReadFile(d.statePath)
	if err != nil {
		return time.Time{}
	}
	var st deployState
	if err := json.Unmarshal(b, &st); err != nil {
		return time.Time{}
	}
	return st.LastDeploy
}

// ClearDeploy removes the marker; crashes no longer count as post-deploy.
func (d *DeployStore) ClearDeploy() {
	os.Remove(d.statePath)
}

// RecordKnownGood persists the revision pointer.
func (d *DeployStore) RecordKnownGood(ref string) error {
	return atomicWrite(d.refPath, []byte(ref+"\n"), 0o644)
}

// KnownGood returns the saved revision, or an error when none exists.
func (d *DeployStore) KnownGood() (string, error) {
	b, err := os.ReadFile(d.refPath)
	if err != nil {
		return "", err
	}
	ref := strings.TrimSpace(string(b))
	if ref == "" {
		return "", errors.New("known-good ref file is empty")
	}
	return ref, nil
}

// Reverter restores the working tree to a given revision. Production wires a
// git checkout; tests observe calls.
type Reverter interface {
	Revert(ref string) error
}

// RevisionFunc reports the currently deployed revision.
type RevisionFunc func() (string, error)

func atomicWrite(path string, b []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
