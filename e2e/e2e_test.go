//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pollInterval = 100 * time.Millisecond
	pollTimeout  = 15 * time.Second
)

var binaryPath string

func TestMain(m *testing.M) {
	// Build binary to temp dir.
	tmpDir, err := os.MkdirTemp("", "ctxsync-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "ctxsync")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = findModuleRoot()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// findModuleRoot walks up from the current dir to find go.mod.
func findModuleRoot() string {
	dir, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Fallback to ".."; e2e/ is one level below module root.
			return ".."
		}

		dir = parent
	}
}

// testEnv is an isolated source directory, state directory and config.
type testEnv struct {
	src     string
	cfgPath string
	addr    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	env := &testEnv{
		src:     filepath.Join(root, "src"),
		cfgPath: filepath.Join(root, "config.toml"),
		addr:    freeAddr(t),
	}

	require.NoError(t, os.MkdirAll(env.src, 0o755))

	cfg := fmt.Sprintf(`[sync]
source_dir = %q
state_dir = %q
debounce = "50ms"

[cache]
dir = %q

[server]
listen = %q

[logging]
log_level = "debug"
log_format = "text"
`, env.src, filepath.Join(root, "state"), filepath.Join(root, "cache"), env.addr)

	require.NoError(t, os.WriteFile(env.cfgPath, []byte(cfg), 0o644))

	return env
}

func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	return addr
}

func (e *testEnv) write(t *testing.T, rel, content string) {
	t.Helper()

	p := filepath.Join(e.src, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func (e *testEnv) runCLI(t *testing.T, args ...string) (string, string) {
	t.Helper()

	fullArgs := append([]string{"--config", e.cfgPath}, args...)
	cmd := exec.Command(binaryPath, fullArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("CLI command %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout.String(), stderr.String())
	}

	return stdout.String(), stderr.String()
}

// startServe launches "serve" in the background and waits for the HTTP
// API to answer. The process is interrupted at cleanup.
func (e *testEnv) startServe(t *testing.T) {
	t.Helper()

	var stderr bytes.Buffer

	cmd := exec.Command(binaryPath, "--config", e.cfgPath, "serve")
	cmd.Stderr = &stderr
	require.NoError(t, cmd.Start())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	t.Cleanup(func() {
		_ = cmd.Process.Signal(syscall.SIGINT)

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve exited with error: %v\nstderr: %s", err, stderr.String())
			}
		case <-time.After(10 * time.Second):
			_ = cmd.Process.Kill()
			t.Errorf("serve did not exit after SIGINT\nstderr: %s", stderr.String())
		}
	})

	e.poll(t, "health endpoint", func() bool {
		resp, err := http.Get("http://" + e.addr + "/v1/health")
		if err != nil {
			return false
		}
		resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	})
}

func (e *testEnv) poll(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(pollTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(pollInterval)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) getJSON(t *testing.T, path string, v any) int {
	t.Helper()

	resp, err := http.Get("http://" + e.addr + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}

	return resp.StatusCode
}

type docStatus struct {
	Status            string `json:"status"`
	SourceFingerprint string `json:"source_fingerprint"`
}

func (e *testEnv) docStatus(t *testing.T, id string) (docStatus, bool) {
	t.Helper()

	var d docStatus
	if e.getJSON(t, "/v1/docs/"+id, &d) != http.StatusOK {
		return d, false
	}

	return d, true
}

func TestE2E_OneShotSync(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "catalogue/products.md", `---
status: active
---
# Products

## Products

| Name | Price |
|------|-------|
| Acme | 12 |
| Bolt | 7 |
`)

	stdout, _ := env.runCLI(t, "sync", "--json")

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.InDelta(t, 1, report["converted"], 0)

	stdout, _ = env.runCLI(t, "get", "catalogue/products", "status")
	assert.Equal(t, "active\n", stdout)

	stdout, _ = env.runCLI(t, "query", "catalogue/products", "products", "--where", "price<10")

	var items []map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "Bolt", items[0]["name"])
}

func TestE2E_ServeReflectsEdits(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "plans/roadmap.md", "---\nstatus: draft\n---\n# Roadmap\n\n## Goals\n\n- Ship\n")
	env.startServe(t)

	var first docStatus

	env.poll(t, "initial sync", func() bool {
		d, ok := env.docStatus(t, "plans/roadmap")
		first = d

		return ok && d.Status == "synced"
	})

	var res struct {
		Level int `json:"level"`
		Data  struct {
			Fields map[string]any `json:"fields"`
		} `json:"data"`
	}
	require.Equal(t, http.StatusOK, env.getJSON(t, "/v1/context?doc=plans/roadmap&level=summary", &res))
	assert.Equal(t, 1, res.Level)

	env.write(t, "plans/roadmap.md", "---\nstatus: final\n---\n# Roadmap\n\n## Goals\n\n- Ship\n")

	env.poll(t, "edit to sync", func() bool {
		d, ok := env.docStatus(t, "plans/roadmap")
		return ok && d.Status == "synced" && d.SourceFingerprint != first.SourceFingerprint
	})

	require.Equal(t, http.StatusOK, env.getJSON(t, "/v1/context?doc=plans/roadmap&level=structure", &res))
	assert.Equal(t, "final", res.Data.Fields["status"])

	// The running server owns the lock; reload reaches it by signal.
	_, stderr := env.runCLI(t, "reload")
	assert.Contains(t, stderr, "Reload signal sent")

	require.NoError(t, os.Remove(filepath.Join(env.src, "plans", "roadmap.md")))

	env.poll(t, "orphan", func() bool {
		d, ok := env.docStatus(t, "plans/roadmap")
		return ok && d.Status == "orphaned"
	})

	status := env.getJSON(t, "/v1/context?doc=plans/roadmap", nil)
	assert.Equal(t, http.StatusGone, status)
}
