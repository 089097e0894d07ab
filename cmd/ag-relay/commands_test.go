package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phobos.org.uk/relay/internal/api"
)

// writeConfig writes a settings file that drives a custom echo command.
func writeConfig(t *testing.T, customCommand string) string {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	t.Setenv("RELAY_ROOT", t.TempDir())

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "log_level: error\n" +
		"default_provider: custom\n" +
		"custom_command: '" + customCommand + "'\n" +
		"project_dir: " + dir + "\n" +
		"history_dir: " + filepath.Join(dir, "history") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd("1.2.3")
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3\n", out)
}

func TestRunPrintsOutput(t *testing.T) {
	cfg := writeConfig(t, "echo {prompt}")

	out, _, err := execute(t, "", "--config", cfg, "run", "hello", "world")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)
}

func TestRunReadsPromptFromStdin(t *testing.T) {
	cfg := writeConfig(t, "echo {prompt}")

	out, _, err := execute(t, "piped prompt\n", "--config", cfg, "--system", "sys", "run")
	require.NoError(t, err)
	assert.Equal(t, "sys\n\npiped prompt\n", out)
}

func TestRunReportsFailure(t *testing.T) {
	cfg := writeConfig(t, "echo broken >&2; exit 4")

	_, _, err := execute(t, "", "--config", cfg, "run", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 4")
	assert.Contains(t, err.Error(), "broken")
}

func TestStreamWritesJSONLines(t *testing.T) {
	cfg := writeConfig(t, "echo {prompt}")

	out, _, err := execute(t, "", "--config", cfg, "stream", "streamed")
	require.NoError(t, err)

	var events []api.StreamEvent
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var ev api.StreamEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "streamed\n", events[0].Chunk)
	assert.True(t, events[1].Done)
	assert.Equal(t, events[0].ResponseID, events[1].ResponseID)
}

func TestStreamReturnsTerminalError(t *testing.T) {
	cfg := writeConfig(t, "exit 9")

	out, _, err := execute(t, "", "--config", cfg, "stream", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 9")
	assert.Contains(t, out, `"error":"`)
}

func TestPrinterPlainText(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newPrinter(&out, &errOut, false)

	p.Notice(api.AuthFallbackNotice{ResponseID: "r", Provider: "claude", Message: "retrying with key"})
	p.Emit(api.ChunkEvent("r", "hello "))
	p.Emit(api.ChunkEvent("r", "there"))
	p.Emit(api.DoneEvent("r"))

	<-p.done
	assert.NoError(t, p.err)
	assert.Equal(t, "hello there", out.String())
	assert.Equal(t, "retrying with key\n", errOut.String())
}

func TestPrinterJSONNotice(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out, &bytes.Buffer{}, true)

	p.Notice(api.AuthFallbackNotice{ResponseID: "r", Provider: "codex", Message: "m"})
	p.Emit(api.ErrorEvent("r", "failed"))

	<-p.done
	require.EqualError(t, p.err, "failed")
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"event":"auth-fallback","responseId":"r","provider":"codex","message":"m"}`, lines[0])
}
