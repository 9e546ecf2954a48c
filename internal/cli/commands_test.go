package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/octavio/internal/auditlog"
	"github.com/roach88/octavio/internal/config"
	"github.com/roach88/octavio/internal/httpapi"
	"github.com/roach88/octavio/internal/ingest"
	"github.com/roach88/octavio/internal/midi"
	"github.com/roach88/octavio/internal/session"
	"github.com/roach88/octavio/internal/testutil"
)

// syncBuffer is a bytes.Buffer safe for a writer and a concurrent reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeContext(t, context.Background(), &syncBuffer{}, args...)
}

func executeContext(t *testing.T, ctx context.Context, out *syncBuffer, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	// Commands install their own handler; keep test output quiet.
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return out.String(), err
}

// writeConfig writes a config using SQLite files under a temp dir and
// returns its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := "key_prefix: test\n" +
		"log_level: error\n" +
		"store:\n" +
		"  backend: sqlite\n" +
		"  sqlite:\n" +
		"    path: " + filepath.Join(dir, "objects.db") + "\n" +
		"registry:\n" +
		"  path: " + filepath.Join(dir, "registry.db") + "\n" +
		"merge:\n" +
		"  eager: false\n" +
		extra
	path := filepath.Join(dir, "octavio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// seed stores fragments for pitches under instrument 5, session abc, as
// consecutive fragments from zero.
func seed(t *testing.T, configPath string, pitches ...int) session.ID {
	t.Helper()
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	a, err := openApp(context.Background(), cfg, true)
	require.NoError(t, err)
	defer a.Close()

	for i, p := range pitches {
		seq := testutil.Fragment(p)
		_, err := a.svc.IngestFragment(context.Background(), ingest.Fragment{
			InstrumentID: "5",
			SessionID:    "abc",
			Seq:          &i,
			TicksPerBeat: seq.TicksPerBeat,
			Tracks:       seq.Tracks,
		})
		require.NoError(t, err)
	}
	return session.ID{InstrumentID: "5", SessionID: "abc"}
}

func writeSequenceFile(t *testing.T, dir, name string, seq midi.Sequence) string {
	t.Helper()
	data, err := json.Marshal(seq)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func onsets(seq midi.Sequence) []int {
	var pitches []int
	for _, ev := range seq.Flatten() {
		if ev.IsNoteOn() {
			pitches = append(pitches, ev.Note)
		}
	}
	return pitches
}

func TestStitchCommand_Stdout(t *testing.T) {
	dir := t.TempDir()
	a := writeSequenceFile(t, dir, "a.json", testutil.Fragment(60))
	b := writeSequenceFile(t, dir, "b.json", testutil.Fragment(62))

	out, err := execute(t, "stitch", a, b)

	require.NoError(t, err)
	var seq midi.Sequence
	require.NoError(t, json.Unmarshal([]byte(out), &seq))
	assert.Equal(t, 480, seq.TicksPerBeat)
	assert.Equal(t, []int{60, 62}, onsets(seq))
	last := seq.Tracks[len(seq.Tracks)-1]
	assert.True(t, last[len(last)-1].IsEndOfTrack())
}

func TestStitchCommand_JSONFormat(t *testing.T) {
	dir := t.TempDir()
	a := writeSequenceFile(t, dir, "a.json", testutil.Fragment(60))
	b := writeSequenceFile(t, dir, "b.json", testutil.Fragment(62))

	out, err := execute(t, "--format", "json", "stitch", a, b)

	require.NoError(t, err)
	var seq midi.Sequence
	decodeData(t, out, &seq)
	assert.Equal(t, []int{60, 62}, onsets(seq))
}

func TestStitchCommand_SMFOutput(t *testing.T) {
	dir := t.TempDir()
	a := writeSequenceFile(t, dir, "a.json", testutil.Fragment(60))
	b := writeSequenceFile(t, dir, "b.json", testutil.Fragment(62))
	target := filepath.Join(dir, "ab.mid")

	out, err := execute(t, "stitch", a, b, "-o", target)

	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+target)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("MThd")))
}

func TestStitchCommand_BadInput(t *testing.T) {
	dir := t.TempDir()
	a := writeSequenceFile(t, dir, "a.json", testutil.Fragment(60))
	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"ticks_per_beat":0,"messages":[]}`), 0o644))

	tests := []struct {
		name string
		next string
	}{
		{"missing file", filepath.Join(dir, "absent.json")},
		{"invalid sequence", broken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, "stitch", a, tt.next)

			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestMergeCommand(t *testing.T) {
	cfgPath := writeConfig(t, "")
	seed(t, cfgPath, 60, 62, 64)

	out, err := execute(t, "--config", cfgPath, "--format", "json", "merge", "5", "abc")

	require.NoError(t, err)
	var res MergeResult
	decodeData(t, out, &res)
	assert.Equal(t, "merged", res.Outcome)
	assert.Equal(t, 0, res.From)
	assert.Equal(t, 2, res.To)
	assert.Equal(t, 3, res.Applied)

	out, err = execute(t, "--config", cfgPath, "merge", "5", "abc")
	require.NoError(t, err)
	assert.Contains(t, out, "up to date at fragment 2")
}

func TestMergeCommand_UnknownSession(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := execute(t, "--config", cfgPath, "--format", "json", "merge", "5", "nope")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
}

func TestMergeCommand_InvalidSession(t *testing.T) {
	cfgPath := writeConfig(t, "")

	_, err := execute(t, "--config", cfgPath, "merge", "5", "../etc")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "octavio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: floppy\n"), 0o644))

	_, err := execute(t, "--config", path, "merge", "5", "abc")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid config")
}

func TestExportCommand(t *testing.T) {
	cfgPath := writeConfig(t, "")
	seed(t, cfgPath, 60, 62)
	dir := t.TempDir()

	midPath := filepath.Join(dir, "take.mid")
	out, err := execute(t, "--config", cfgPath, "--format", "json", "export", "5", "abc", "-o", midPath)
	require.NoError(t, err)
	var summary ExportSummary
	decodeData(t, out, &summary)
	assert.Equal(t, 1, summary.MaxFragmentApplied)
	data, err := os.ReadFile(midPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("MThd")))

	jsonPath := filepath.Join(dir, "take.json")
	_, err = execute(t, "--config", cfgPath, "export", "5", "abc", "-o", jsonPath)
	require.NoError(t, err)
	seq, err := readSequence(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []int{60, 62}, onsets(seq))
}

func TestExportCommand_UnknownSession(t *testing.T) {
	cfgPath := writeConfig(t, "")

	_, err := execute(t, "--config", cfgPath, "export", "5", "nope", "-o", filepath.Join(t.TempDir(), "x.mid"))

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLogCommand(t *testing.T) {
	cfgPath := writeConfig(t, "")
	seed(t, cfgPath, 60, 62)
	today := time.Now().UTC().Format(time.DateOnly)

	out, err := execute(t, "--config", cfgPath, "--format", "json", "log", "--date", today)
	require.NoError(t, err)
	var entries []auditlog.Entry
	decodeData(t, out, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, auditlog.KindIngest, entries[0].Kind)
	assert.Equal(t, ingest.ResultCreated, entries[1].Result)

	out, err = execute(t, "--config", cfgPath, "log", "--date", today)
	require.NoError(t, err)
	assert.Contains(t, out, "5/abc #1 created")

	out, err = execute(t, "--config", cfgPath, "log", "--date", "1999-01-01")
	require.NoError(t, err)
	assert.Contains(t, out, "no entries")
}

func TestLogCommand_BadDate(t *testing.T) {
	_, err := execute(t, "log", "--date", "yesterday")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPushCommand(t *testing.T) {
	cfgPath := writeConfig(t, "")
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	a, err := openApp(context.Background(), cfg, true)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	ts := httptest.NewServer(httpapi.New(a.svc, a.registry, a.gatherer).Handler())
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	first := writeSequenceFile(t, dir, "1.json", testutil.Fragment(60))
	quiet := writeSequenceFile(t, dir, "2.json", midi.NewSequence(480, midi.EndOfTrack(960)))
	second := writeSequenceFile(t, dir, "3.json", testutil.Fragment(62))

	out, err := execute(t, "--format", "json", "push",
		"--server", ts.URL, "--instrument", "7", "--heartbeat", first, quiet, second)

	require.NoError(t, err)
	var summary PushSummary
	decodeData(t, out, &summary)
	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, summary.Sessions, 1)

	seq, rec, err := a.svc.Canonical(context.Background(), session.ID{InstrumentID: "7", SessionID: summary.Sessions[0]})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.MaxFragmentApplied)
	assert.Equal(t, []int{60, 62}, onsets(seq))

	instruments, err := a.registry.Instruments(context.Background())
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.Equal(t, "7", instruments[0].InstrumentID)
}

func TestPushCommand_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()
	frag := writeSequenceFile(t, t.TempDir(), "1.json", testutil.Fragment(60))

	out, err := execute(t, "--format", "json", "push", "--server", url, "--instrument", "7", "--attempts", "1", frag)

	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var summary PushSummary
	decodeData(t, out, &summary)
	assert.Equal(t, 1, summary.Abandoned)
	assert.Empty(t, summary.Sessions)
}

func TestPushCommand_RequiresInstrument(t *testing.T) {
	_, err := execute(t, "push", "x.json")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "instrument")
}

func TestServeCommand(t *testing.T) {
	cfgPath := writeConfig(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		_, err := executeContext(t, ctx, out, "--config", cfgPath, "serve", "--listen", "127.0.0.1:0")
		done <- err
	}()

	var addr string
	require.Eventually(t, func() bool {
		line := out.String()
		if !strings.HasPrefix(line, "Listening on ") {
			return false
		}
		addr = strings.TrimSpace(strings.TrimPrefix(line, "Listening on "))
		return true
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "octavio\n", string(body))

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeCommand_ListenFailure(t *testing.T) {
	cfgPath := writeConfig(t, "")

	_, err := execute(t, "--config", cfgPath, "serve", "--listen", "256.0.0.1:1")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
