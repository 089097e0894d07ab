// Package testutil holds helpers shared by package tests.
package testutil

import (
	"hash/fnv"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// AllocateTestPort returns a port derived from the test name, so parallel
// tests in one package do not collide.
func AllocateTestPort(t *testing.T) int {
	t.Helper()
	h := fnv.New32a()
	h.Write([]byte(t.Name()))
	return 20000 + int(h.Sum32()%10000)
}

// WaitForHealthy waits for a URL to return 200 OK.
func WaitForHealthy(t *testing.T, url string, timeout time.Duration) {
	t.Helper()
	client := &http.Client{Timeout: 500 * time.Millisecond}
	Eventually(t, timeout, func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
}

// Eventually retries a condition until it returns true or timeout expires
func Eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("Condition did not become true within timeout")
}

// FakeBinDir creates a directory for fake agent CLIs, puts it first on PATH
// and points HOME at an empty directory so shell rc files are not sourced.
// Tests that call it must not run in parallel.
func FakeBinDir(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake CLIs are bash scripts")
	}
	dir := t.TempDir()
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	t.Setenv("HOME", t.TempDir())
	return dir
}

// WriteScript writes an executable bash script named name into dir.
func WriteScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/usr/bin/env bash\n" + strings.TrimLeft(body, "\n")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing script %s: %v", name, err)
	}
	return path
}

// AuthGatedScript returns a fake CLI body that rejects the call with an auth
// error unless envVar is set, and otherwise prints lines.
func AuthGatedScript(envVar string, lines ...string) string {
	var b strings.Builder
	b.WriteString(`if [ -z "${` + envVar + `}" ]; then
  echo "Error: 401 Unauthorized. Please run login." >&2
  exit 1
fi
`)
	for _, l := range lines {
		b.WriteString("printf '%s\\n' '" + strings.ReplaceAll(l, "'", `'\''`) + "'\n")
	}
	return b.String()
}
