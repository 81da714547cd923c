//go:build !windows

package unix

import (
    "path/filepath"
    "testing"

    "iac/pkg/transport/transporttest"
)

func TestStreamContract(t *testing.T) {
    path := filepath.Join(t.TempDir(), "iac.sock")
    if Available(path) { t.Fatalf("socket reported before listen") }
    transporttest.Exercise(t, New(), path)
}

func TestAvailable(t *testing.T) {
    path := filepath.Join(t.TempDir(), "node.sock")
    _, _, _ = transporttest.Pair(t, New(), path)
    if !Available(path) { t.Fatalf("listening socket not detected") }
}
