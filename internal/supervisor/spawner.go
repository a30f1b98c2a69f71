package supervisor

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// Spawner starts a worker process to serve conn and returns its pid. The
// caller closes conn afterwards; the worker must hold its own reference.
type Spawner interface {
	Spawn(conn *net.UnixConn) (int, error)
}

// ExecSpawner re-executes a program, normally the running binary, handing it
// the connection as descriptor 3. Each worker gets its own process group so
// a client can signal the whole job without touching the supervisor.
type ExecSpawner struct {
	// Path is the program to run.
	Path string
	// Args is the full argv, including argv[0].
	Args []string
	// Env is the worker environment. Nil means the supervisor's own.
	Env []string
	// Dir is the worker's working directory. Empty means the supervisor's.
	Dir string
}

// NewSelfSpawner returns a spawner that re-executes the running binary with
// args appended to argv[0].
func NewSelfSpawner(args ...string) (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ExecSpawner{
		Path: exe,
		Args: append([]string{exe}, args...),
	}, nil
}

// Spawn starts the worker.
func (e *ExecSpawner) Spawn(conn *net.UnixConn) (int, error) {
	connFile, err := conn.File()
	if err != nil {
		return 0, fmt.Errorf("dup connection: %w", err)
	}
	defer connFile.Close()

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	env := e.Env
	if env == nil {
		env = os.Environ()
	}
	attr := &os.ProcAttr{
		Dir:   e.Dir,
		Env:   env,
		Files: []*os.File{devNull, os.Stdout, os.Stderr, connFile},
		Sys:   &syscall.SysProcAttr{Setpgid: true},
	}
	proc, err := os.StartProcess(e.Path, e.Args, attr)
	if err != nil {
		return 0, fmt.Errorf("start worker: %w", err)
	}
	pid := proc.Pid
	// the reaper waits on the pid directly
	_ = proc.Release()
	return pid, nil
}
