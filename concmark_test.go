// ABOUTME: Tests for the root concmark package
// ABOUTME: Verifies the version constant

package concmark_test

import (
	"strings"
	"testing"

	"github.com/prateek/concmark"
)

func TestVersion(t *testing.T) {
	if concmark.Version == "" {
		t.Error("Version constant should not be empty")
	}
	if !strings.HasPrefix(concmark.Version, "0.") {
		t.Errorf("Version should start with %q, got %q", "0.", concmark.Version)
	}
}
