package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bft-labs/cmdserver/internal/session"
	"github.com/bft-labs/cmdserver/pkg/channel"
	"github.com/bft-labs/cmdserver/pkg/frame"
	"github.com/bft-labs/cmdserver/pkg/settings"
)

type harness struct {
	wire bytes.Buffer
	req  *session.Request
}

// newHarness builds a request whose channels write to an in-memory wire and
// whose input replies come from replies.
func newHarness(t *testing.T, args []string, replies ...frame.Frame) *harness {
	t.Helper()
	h := &harness{}
	var in bytes.Buffer
	for _, r := range replies {
		in.Write(frame.Encode(r.Channel, r.Payload))
	}
	w := channel.NewWriter(&h.wire)
	s := settings.New()
	s.Set("ui", "nontty", "true", "commandserver")
	s.Set("ui", "username", "alice", "test")
	h.req = &session.Request{
		Args:     args,
		Settings: s,
		Dir:      t.TempDir(),
		Stdin:    channel.NewInput(&in, w, frame.ChannelInput),
		Stdout:   channel.NewOutput(w, frame.ChannelOutput),
		Stderr:   channel.NewOutput(w, frame.ChannelError),
	}
	return h
}

// text concatenates the payloads written on ch.
func (h *harness) text(t *testing.T, ch frame.Channel) string {
	t.Helper()
	var sb strings.Builder
	r := bytes.NewReader(h.wire.Bytes())
	for r.Len() > 0 {
		got, n, err := frame.ReadHeader(r)
		if err != nil {
			t.Fatalf("ReadHeader error = %v", err)
		}
		if got.IsInput() {
			continue
		}
		p, err := frame.ReadPayload(r, n)
		if err != nil {
			t.Fatalf("ReadPayload error = %v", err)
		}
		if got == ch {
			sb.Write(p)
		}
	}
	return sb.String()
}

func TestBuiltin_Commands(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantStatus int
		wantOut    string
	}{
		{"echo", []string{"echo", "a", "b"}, 0, "a b\n"},
		{"echo strips global options", []string{"--config", "x.y=1", "echo", "hi"}, 0, "hi\n"},
		{"exit status", []string{"exit", "42"}, 42, ""},
		{"config single", []string{"config", "ui.username"}, 0, "alice\n"},
		{"config missing", []string{"config", "ui.nothing"}, 1, ""},
		{"config missing with default", []string{"config", "ui.nothing", "fallback"}, 0, "fallback\n"},
		{"config present ignores default", []string{"config", "ui.username", "fallback"}, 0, "alice\n"},
		{"config all", []string{"config"}, 0, "ui.nontty=true\nui.username=alice\n"},
		{"sleep", []string{"sleep", "1ms"}, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.args)
			status, err := NewBuiltin().Run(context.Background(), h.req)
			if err != nil {
				t.Fatalf("Run error = %v", err)
			}
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if got := h.text(t, frame.ChannelOutput); got != tt.wantOut {
				t.Errorf("stdout = %q, want %q", got, tt.wantOut)
			}
		})
	}
}

func TestBuiltin_Pwd(t *testing.T) {
	h := newHarness(t, []string{"pwd"})
	if _, err := NewBuiltin().Run(context.Background(), h.req); err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if got := h.text(t, frame.ChannelOutput); got != h.req.Dir+"\n" {
		t.Errorf("pwd = %q, want %q", got, h.req.Dir+"\n")
	}
}

func TestBuiltin_Help(t *testing.T) {
	h := newHarness(t, nil)
	status, err := NewBuiltin().Run(context.Background(), h.req)
	if err != nil || status != 0 {
		t.Fatalf("Run = (%d, %v)", status, err)
	}
	out := h.text(t, frame.ChannelOutput)
	for _, name := range NewBuiltin().Names() {
		if !strings.Contains(out, name) {
			t.Errorf("help output lacks %q", name)
		}
	}
}

func TestBuiltin_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown", []string{"frobnicate"}},
		{"exit without status", []string{"exit"}},
		{"exit bad status", []string{"exit", "x"}},
		{"sleep bad duration", []string{"sleep", "soon"}},
		{"config bad name", []string{"config", "nodot"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.args)
			if _, err := NewBuiltin().Run(context.Background(), h.req); err == nil {
				t.Error("Run should fail")
			}
		})
	}

	h := newHarness(t, []string{"frobnicate"})
	_, err := NewBuiltin().Run(context.Background(), h.req)
	if !errors.Is(err, ErrUnknownBuiltin) {
		t.Errorf("error = %v, want ErrUnknownBuiltin", err)
	}
}

func TestBuiltin_SleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(t, []string{"sleep", "1h"})
	if _, err := NewBuiltin().Run(ctx, h.req); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestBuiltin_CatAndReadline(t *testing.T) {
	h := newHarness(t, []string{"cat"},
		frame.Frame{Channel: frame.ChannelInput, Payload: []byte("some ")},
		frame.Frame{Channel: frame.ChannelInput, Payload: []byte("input")},
		frame.Frame{Channel: frame.ChannelInput},
	)
	if _, err := NewBuiltin().Run(context.Background(), h.req); err != nil {
		t.Fatalf("cat error = %v", err)
	}
	if got := h.text(t, frame.ChannelOutput); got != "some input" {
		t.Errorf("cat output = %q", got)
	}

	h = newHarness(t, []string{"readline"},
		frame.Frame{Channel: frame.ChannelLine, Payload: []byte("yes\n")},
	)
	status, err := NewBuiltin().Run(context.Background(), h.req)
	if err != nil || status != 0 {
		t.Fatalf("readline = (%d, %v)", status, err)
	}
	if got := h.text(t, frame.ChannelOutput); got != "yes\n" {
		t.Errorf("readline output = %q", got)
	}
}

func shell(t *testing.T) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	return "/bin/sh"
}

func TestExec_StatusAndOutput(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		wantStatus int
		wantOut    string
		wantErr    string
	}{
		{"success", "echo hello", 0, "hello\n", ""},
		{"exit code", "echo oops >&2; exit 3", 3, "", "oops\n"},
		{"signal", "kill -TERM $$", 128 + 15, "", ""},
		{"settings env", `printf %s "$CMDSERVER_CONFIG_UI_USERNAME"`, 0, "alice", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []string{"-c", tt.script})
			e := NewExec(shell(t), false, nil)
			status, err := e.Run(context.Background(), h.req)
			if err != nil {
				t.Fatalf("Run error = %v", err)
			}
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if got := h.text(t, frame.ChannelOutput); got != tt.wantOut {
				t.Errorf("stdout = %q, want %q", got, tt.wantOut)
			}
			if got := h.text(t, frame.ChannelError); got != tt.wantErr {
				t.Errorf("stderr = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestExec_WorkingDirectory(t *testing.T) {
	h := newHarness(t, []string{"-c", "pwd -P"})
	want, err := filepath.EvalSymlinks(h.req.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewExec(shell(t), false, nil).Run(context.Background(), h.req); err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if got := strings.TrimSpace(h.text(t, frame.ChannelOutput)); got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func TestExec_ForwardStdin(t *testing.T) {
	h := newHarness(t, []string{"-c", "cat"},
		frame.Frame{Channel: frame.ChannelInput, Payload: []byte("piped")},
		frame.Frame{Channel: frame.ChannelInput},
	)
	status, err := NewExec(shell(t), true, nil).Run(context.Background(), h.req)
	if err != nil || status != 0 {
		t.Fatalf("Run = (%d, %v)", status, err)
	}
	if got := h.text(t, frame.ChannelOutput); got != "piped" {
		t.Errorf("stdout = %q, want piped", got)
	}
}

func TestExec_MissingProgram(t *testing.T) {
	h := newHarness(t, nil)
	_, err := NewExec("/nonexistent/cmdserver-program", false, nil).Run(context.Background(), h.req)
	if err == nil {
		t.Error("Run should fail for a missing program")
	}
}

func TestExec_ContextCancelKills(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	h := newHarness(t, []string{"-c", "sleep 10"})
	start := time.Now()
	status, err := NewExec(shell(t), false, nil).Run(ctx, h.req)
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if status != 128+9 {
		t.Errorf("status = %d, want %d", status, 128+9)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("command was not killed on cancel")
	}
}
