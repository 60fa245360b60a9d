package version

import "testing"

func TestVersion(t *testing.T) {
	if Version == "" {
		t.Fatal("version is empty")
	}
	t.Logf("version: %v, build: %v", Version, readBuildVersion())
}
