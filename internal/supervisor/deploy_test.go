package supervisor

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *DeployStore {
	dir := t.TempDir()
	return NewDeployStore(filepath.Join(dir, "deploy.json"), filepath.Join(dir, "ref"))
}

func TestDeployMarkerRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if got := store.LastDeploy(); !got.IsZero() {
		t.Fatalf("fresh store has deploy marker %v", got)
	}

	stamp := time.Unix(1700000000, 0).UTC()
	if err := store.RecordDeploy(stamp); err != nil {
		t.Fatal(err)
	}
	if got := store.LastDeploy(); !got.Equal(stamp) {
		t.Fatalf("LastDeploy = %v, want %v", got, stamp)
	}

	store.ClearDeploy()
	if got := store.LastDeploy(); !got.IsZero() {
		t.Fatalf("marker survived ClearDeploy: %v", got)
	}
}

func TestKnownGoodRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.KnownGood(); err == nil {
		t.Fatal("KnownGood succeeded with no recorded revision")
	}
	if err := store.RecordKnownGood("abc123"); err != nil {
		t.Fatal(err)
	}
	ref, err := store.KnownGood()
	if err != nil {
		t.Fatal(err)
	}
	if ref != "abc123" {
		t.Fatalf("ref = %q", ref)
	}
}
