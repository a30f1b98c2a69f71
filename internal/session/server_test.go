package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bft-labs/cmdserver/internal/domain"
	"github.com/bft-labs/cmdserver/pkg/frame"
	"github.com/bft-labs/cmdserver/pkg/log"
	"github.com/bft-labs/cmdserver/pkg/settings"
)

// mockLogger records warnings so tests can assert on them.
type mockLogger struct {
	log.NoopLogger
	warnings []string
}

func (m *mockLogger) Warn(msg string, fields ...log.Field) {
	m.warnings = append(m.warnings, msg)
}

// clientStream builds what a client would send.
type clientStream struct {
	bytes.Buffer
}

func (c *clientStream) command(name string) *clientStream {
	c.WriteString(name + "\n")
	return c
}

func (c *clientStream) runcommand(args ...string) *clientStream {
	c.command("runcommand")
	payload := strings.Join(args, "\x00")
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	c.Write(hdr[:])
	c.WriteString(payload)
	return c
}

func (c *clientStream) reply(ch frame.Channel, data string) *clientStream {
	c.Write(frame.Encode(ch, []byte(data)))
	return c
}

// parseFrames decodes server output. Input requests have no payload; their
// requested size is returned as a decimal string.
func parseFrames(t *testing.T, b []byte) []frame.Frame {
	t.Helper()
	var out []frame.Frame
	r := bytes.NewReader(b)
	for r.Len() > 0 {
		ch, n, err := frame.ReadHeader(r)
		if err != nil {
			t.Fatalf("ReadHeader error = %v", err)
		}
		if ch.IsInput() {
			out = append(out, frame.Frame{Channel: ch, Payload: []byte(fmt.Sprint(n))})
			continue
		}
		p, err := frame.ReadPayload(r, n)
		if err != nil {
			t.Fatalf("ReadPayload error = %v", err)
		}
		out = append(out, frame.Frame{Channel: ch, Payload: p})
	}
	return out
}

func onChannel(frames []frame.Frame, ch frame.Channel) []frame.Frame {
	var out []frame.Frame
	for _, f := range frames {
		if f.Channel == ch {
			out = append(out, f)
		}
	}
	return out
}

func resultCode(t *testing.T, f frame.Frame) int32 {
	t.Helper()
	if len(f.Payload) != 4 {
		t.Fatalf("result payload = %d bytes, want 4", len(f.Payload))
	}
	return int32(binary.BigEndian.Uint32(f.Payload))
}

func serve(t *testing.T, cfg Config, in *clientStream) ([]frame.Frame, error) {
	t.Helper()
	var out bytes.Buffer
	srv, err := New(cfg, in, &out)
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	defer srv.Close()
	serveErr := srv.Serve(context.Background())
	if srv.State() != StateClosed {
		t.Errorf("State after Serve = %s, want closed", srv.State())
	}
	return parseFrames(t, out.Bytes()), serveErr
}

func statusExecutor(status int) Executor {
	return ExecutorFunc(func(ctx context.Context, req *Request) (int, error) {
		return status, nil
	})
}

func TestServe_Hello(t *testing.T) {
	cfg := Config{Executor: statusExecutor(0), VersionHash: "abc123"}
	frames, err := serve(t, cfg, &clientStream{})
	if err != nil {
		t.Fatalf("Serve error = %v", err)
	}
	if len(frames) != 1 || frames[0].Channel != frame.ChannelOutput {
		t.Fatalf("want exactly one hello frame on o, got %d frames", len(frames))
	}

	lines := strings.Split(string(frames[0].Payload), "\n")
	if lines[0] != "capabilities: getencoding runcommand" {
		t.Errorf("capabilities line = %q", lines[0])
	}
	if lines[1] != "encoding: UTF-8" {
		t.Errorf("encoding line = %q", lines[1])
	}
	if lines[2] != fmt.Sprintf("pid: %d", os.Getpid()) {
		t.Errorf("pid line = %q", lines[2])
	}
	if lines[3] != "versionhash: abc123" {
		t.Errorf("versionhash line = %q", lines[3])
	}
	if len(lines) > 4 && !strings.HasPrefix(lines[4], "pgid: ") {
		t.Errorf("pgid line = %q", lines[4])
	}
}

func TestServe_EndsNormally(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"immediate eof", ""},
		{"empty line", "\n"},
		{"empty line with trailing data", "\nrunco"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			exec := ExecutorFunc(func(ctx context.Context, req *Request) (int, error) {
				called = true
				return 0, nil
			})
			in := &clientStream{}
			in.WriteString(tt.input)

			frames, err := serve(t, Config{Executor: exec}, in)
			if err != nil {
				t.Fatalf("Serve error = %v, want nil", err)
			}
			if called {
				t.Error("executor should not run")
			}
			if len(onChannel(frames, frame.ChannelResult)) != 0 {
				t.Error("no result frame expected")
			}
		})
	}
}

func TestServe_UnknownCommand(t *testing.T) {
	logger := &mockLogger{}
	in := (&clientStream{}).command("bogus").runcommand("never", "reached")

	frames, err := serve(t, Config{Executor: statusExecutor(0), Logger: logger}, in)
	if !errors.Is(err, domain.ErrUnknownCommand) || !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("Serve error = %v, want unknown command protocol error", err)
	}
	if len(onChannel(frames, frame.ChannelResult)) != 0 {
		t.Error("unknown command must not produce a result frame")
	}
	errs := onChannel(frames, frame.ChannelError)
	if len(errs) != 1 || string(errs[0].Payload) != "abort: unknown command bogus\n" {
		t.Errorf("error channel = %v", errs)
	}
	if len(logger.warnings) != 1 {
		t.Errorf("warnings logged = %d, want 1", len(logger.warnings))
	}
}

func TestRunCommand_StatusMasking(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   int32
	}{
		{"zero", 0, 0},
		{"plain", 1, 1},
		{"wraps above 255", 256 + 3, 3},
		{"exact 256", 256, 0},
		{"negative", -1, 255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := (&clientStream{}).runcommand("status")
			frames, err := serve(t, Config{Executor: statusExecutor(tt.status)}, in)
			if err != nil {
				t.Fatalf("Serve error = %v", err)
			}
			results := onChannel(frames, frame.ChannelResult)
			if len(results) != 1 {
				t.Fatalf("result frames = %d, want 1", len(results))
			}
			if got := resultCode(t, results[0]); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRunCommand_ArgumentList(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"no args", nil, []string{}},
		{"single", []string{"status"}, []string{"status"}},
		{"several", []string{"log", "-r", "tip", ""}, []string{"log", "-r", "tip", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			exec := ExecutorFunc(func(ctx context.Context, req *Request) (int, error) {
				got = req.Args
				return 0, nil
			})
			in := (&clientStream{}).runcommand(tt.args...)
			if _, err := serve(t, Config{Executor: exec}, in); err != nil {
				t.Fatalf("Serve error = %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("args = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunCommand_SettingsIsolation(t *testing.T) {
	base := settings.New()
	base.Set("ui", "username", "alice", "file")

	var seen []string
	var sources []string
	exec := ExecutorFunc(func(ctx context.Context, req *Request) (int, error) {
		v, _ := req.Settings.Get("ui", "username")
		seen = append(seen, v)
		sources = append(sources, req.Settings.Source("ui", "nontty"))
		// commands may scribble on their copy freely
		req.Settings.Set("ui", "scratch", "dirty", "command")
		return 0, nil
	})

	in := (&clientStream{}).
		runcommand("--config", "ui.username=bob", "commit").
		runcommand("--config=ui.username=carol", "status").
		runcommand("status")

	if _, err := serve(t, Config{Executor: exec, Settings: base}, in); err != nil {
		t.Fatalf("Serve error = %v", err)
	}

	want := []string{"bob", "carol", "alice"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("ui.username per command = %v, want %v", seen, want)
	}
	for i, src := range sources {
		if src != SettingsSource {
			t.Errorf("command %d ui.nontty source = %q, want %q", i, src, SettingsSource)
		}
	}
	if _, ok := base.Get("ui", "scratch"); ok {
		t.Error("command mutation leaked into base settings")
	}
	if _, ok := base.Get("ui", "nontty"); ok {
		t.Error("ui.nontty leaked into base settings")
	}
}

func TestRunCommand_ExecutorFailureKeepsSession(t *testing.T) {
	calls := 0
	exec := ExecutorFunc(func(ctx context.Context, req *Request) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("repository not found")
		}
		return 0, nil
	})
	in := (&clientStream{}).runcommand("first").runcommand("second")

	frames, err := serve(t, Config{Executor: exec}, in)
	if err != nil {
		t.Fatalf("Serve error = %v", err)
	}
	if calls != 2 {
		t.Errorf("executor calls = %d, want 2", calls)
	}

	errs := onChannel(frames, frame.ChannelError)
	if len(errs) != 1 || string(errs[0].Payload) != "abort: repository not found\n" {
		t.Errorf("error channel = %q", errs)
	}
	results := onChannel(frames, frame.ChannelResult)
	if len(results) != 2 {
		t.Fatalf("result frames = %d, want 2", len(results))
	}
	if got := resultCode(t, results[0]); got != 255 {
		t.Errorf("failed command status = %d, want 255", got)
	}
	if got := resultCode(t, results[1]); got != 0 {
		t.Errorf("second command status = %d, want 0", got)
	}
}

func TestRunCommand_InvalidOverride(t *testing.T) {
	in := (&clientStream{}).runcommand("--config", "nodot", "status")
	frames, err := serve(t, Config{Executor: statusExecutor(0)}, in)
	if err != nil {
		t.Fatalf("Serve error = %v", err)
	}
	results := onChannel(frames, frame.ChannelResult)
	if len(results) != 1 || resultCode(t, results[0]) != 255 {
		t.Errorf("want a single 255 result, got %v", results)
	}
}

func TestRunCommand_RestoresWorkingDirectory(t *testing.T) {
	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	target, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	other, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	var dirs []string
	exec := ExecutorFunc(func(ctx context.Context, req *Request) (int, error) {
		wd, _ := os.Getwd()
		dirs = append(dirs, wd)
		if len(dirs) == 2 {
			// a command that changes directory on its own is undone too
			_ = os.Chdir(other)
		}
		return 0, nil
	})
	in := (&clientStream{}).
		runcommand("--cwd", target, "status").
		runcommand("chdir").
		runcommand("status")

	if _, err := serve(t, Config{Executor: exec}, in); err != nil {
		t.Fatalf("Serve error = %v", err)
	}

	want := []string{target, orig, orig}
	if strings.Join(dirs, "|") != strings.Join(want, "|") {
		t.Errorf("working dirs = %v, want %v", dirs, want)
	}
	if wd, _ := os.Getwd(); wd != orig {
		t.Errorf("working dir after session = %s, want %s", wd, orig)
	}
}

func TestRunCommand_BadCwd(t *testing.T) {
	in := (&clientStream{}).runcommand("--cwd=/nonexistent/cmdserver/dir", "status")
	frames, err := serve(t, Config{Executor: statusExecutor(0)}, in)
	if err != nil {
		t.Fatalf("Serve error = %v", err)
	}
	if errs := onChannel(frames, frame.ChannelError); len(errs) != 1 {
		t.Errorf("error frames = %d, want 1", len(errs))
	}
	results := onChannel(frames, frame.ChannelResult)
	if len(results) != 1 || resultCode(t, results[0]) != 255 {
		t.Errorf("want a single 255 result")
	}
}

func TestRunCommand_Stdin(t *testing.T) {
	var got []byte
	exec := ExecutorFunc(func(ctx context.Context, req *Request) (int, error) {
		var err error
		got, err = io.ReadAll(req.Stdin)
		return 0, err
	})
	in := (&clientStream{}).
		runcommand("import", "-").
		reply(frame.ChannelInput, "patch data").
		reply(frame.ChannelInput, "")

	frames, err := serve(t, Config{Executor: exec, ChunkSize: 64}, in)
	if err != nil {
		t.Fatalf("Serve error = %v", err)
	}
	if string(got) != "patch data" {
		t.Errorf("stdin = %q, want %q", got, "patch data")
	}
	reqs := onChannel(frames, frame.ChannelInput)
	if len(reqs) == 0 {
		t.Fatal("no input requests sent")
	}
	for _, r := range reqs {
		if string(r.Payload) != "64" {
			t.Errorf("input request size = %s, want 64", r.Payload)
		}
	}
}

func TestRunCommand_Output(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, req *Request) (int, error) {
		fmt.Fprint(req.Stdout, "hello\n")
		fmt.Fprint(req.Stderr, "warning\n")
		return 0, nil
	})
	in := (&clientStream{}).runcommand("echo")

	frames, err := serve(t, Config{Executor: exec}, in)
	if err != nil {
		t.Fatalf("Serve error = %v", err)
	}
	// hello, o, e, r
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(frames))
	}
	if frames[1].Channel != frame.ChannelOutput || string(frames[1].Payload) != "hello\n" {
		t.Errorf("frame 1 = %s %q", frames[1].Channel, frames[1].Payload)
	}
	if frames[2].Channel != frame.ChannelError || string(frames[2].Payload) != "warning\n" {
		t.Errorf("frame 2 = %s %q", frames[2].Channel, frames[2].Payload)
	}
	if frames[3].Channel != frame.ChannelResult {
		t.Errorf("last frame on %s, want result", frames[3].Channel)
	}
}

func TestGetEncoding(t *testing.T) {
	in := (&clientStream{}).command("getencoding")
	frames, err := serve(t, Config{Executor: statusExecutor(0), Encoding: "ISO-8859-1"}, in)
	if err != nil {
		t.Fatalf("Serve error = %v", err)
	}
	results := onChannel(frames, frame.ChannelResult)
	if len(results) != 1 || string(results[0].Payload) != "ISO-8859-1" {
		t.Errorf("getencoding result = %v", results)
	}
}

func TestServe_PeerDisconnectMidTransfer(t *testing.T) {
	tests := []struct {
		name  string
		build func() *clientStream
	}{
		{
			name: "eof in argument length",
			build: func() *clientStream {
				c := (&clientStream{}).command("runcommand")
				c.Write([]byte{0, 0})
				return c
			},
		},
		{
			name: "eof in argument data",
			build: func() *clientStream {
				c := (&clientStream{}).command("runcommand")
				c.Write([]byte{0, 0, 0, 10})
				c.WriteString("abc")
				return c
			},
		},
		{
			name: "eof in command name",
			build: func() *clientStream {
				c := &clientStream{}
				c.WriteString("runcomm")
				return c
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, err := serve(t, Config{Executor: statusExecutor(0)}, tt.build())
			if !errors.Is(err, domain.ErrPeerDisconnected) {
				t.Errorf("Serve error = %v, want ErrPeerDisconnected", err)
			}
			if len(onChannel(frames, frame.ChannelResult)) != 0 {
				t.Error("no result frame expected")
			}
		})
	}
}

func TestDebugSink_Channel(t *testing.T) {
	in := (&clientStream{}).runcommand("status")
	frames, err := serve(t, Config{Executor: statusExecutor(0), LogPath: "-"}, in)
	if err != nil {
		t.Fatalf("Serve error = %v", err)
	}
	debug := onChannel(frames, frame.ChannelDebug)
	if len(debug) == 0 {
		t.Fatal("no debug frames")
	}
	var found bool
	for _, f := range debug {
		if strings.Contains(string(f.Payload), `"command":"runcommand"`) {
			found = true
		}
	}
	if !found {
		t.Errorf("debug channel lacks runcommand record: %q", debug)
	}
}

func TestDebugSink_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmdserver.log")
	in := (&clientStream{}).command("getencoding")
	frames, err := serve(t, Config{Executor: statusExecutor(0), LogPath: path}, in)
	if err != nil {
		t.Fatalf("Serve error = %v", err)
	}
	if len(onChannel(frames, frame.ChannelDebug)) != 0 {
		t.Error("file sink must not write debug frames")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"command":"getencoding"`) {
		t.Errorf("log file = %q", b)
	}
}

func TestNew_RequiresExecutor(t *testing.T) {
	_, err := New(Config{}, &bytes.Buffer{}, io.Discard)
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("New error = %v, want ErrInvalidConfig", err)
	}
}

func TestParseGlobalOptions(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		cwd       string
		overrides []string
		rest      []string
	}{
		{"none", []string{"status"}, "", nil, []string{"status"}},
		{"separate values", []string{"--cwd", "/a", "--config", "x.y=1", "log"}, "/a", []string{"x.y=1"}, []string{"log"}},
		{"joined values", []string{"--cwd=/b", "--config=x.y=2"}, "/b", []string{"x.y=2"}, nil},
		{"stops at double dash", []string{"log", "--", "--cwd", "/c"}, "", nil, []string{"log", "--", "--cwd", "/c"}},
		{"dangling flag", []string{"--config"}, "", nil, []string{"--config"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseGlobalOptions(tt.args)
			if got.Cwd != tt.cwd {
				t.Errorf("Cwd = %q, want %q", got.Cwd, tt.cwd)
			}
			if strings.Join(got.Overrides, ",") != strings.Join(tt.overrides, ",") {
				t.Errorf("Overrides = %v, want %v", got.Overrides, tt.overrides)
			}
			if strings.Join(got.Args, ",") != strings.Join(tt.rest, ",") {
				t.Errorf("Args = %v, want %v", got.Args, tt.rest)
			}
		})
	}
}
