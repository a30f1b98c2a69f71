package worker

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/bft-labs/cmdserver/internal/session"
)

// ServePipe serves one session over the process's own stdin and stdout.
//
// While the session runs, descriptors 0 and 1 point at the null device and
// the protocol uses private duplicates, so stray writes to os.Stdout by
// in-process code can never corrupt the channel protocol. The original
// descriptors are restored before it returns.
func ServePipe(ctx context.Context, cfg session.Config) (int, error) {
	fin, fout, restore, err := protectIO()
	if err != nil {
		return ExitFailure, err
	}
	defer restore()
	return Serve(ctx, fin, fout, cfg), nil
}

func protectIO() (fin, fout *os.File, restore func(), err error) {
	null, err := unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer unix.Close(null)

	saved, err := redirectFDs(null, []int{0, 1}, dup2)
	if err != nil {
		return nil, nil, nil, err
	}

	fin = os.NewFile(uintptr(saved[0]), "protocol-in")
	fout = os.NewFile(uintptr(saved[1]), "protocol-out")
	restore = func() {
		_ = dup2(saved[0], 0)
		_ = dup2(saved[1], 1)
		fin.Close()
		fout.Close()
	}
	return fin, fout, restore, nil
}

// redirectFDs points each of fds at target and returns close-on-exec
// duplicates of the originals, in order. On failure every descriptor
// already redirected is restored and its duplicate closed.
func redirectFDs(target int, fds []int, redirect func(oldfd, newfd int) error) ([]int, error) {
	saved := make([]int, 0, len(fds))
	undo := func() {
		for i := len(saved) - 1; i >= 0; i-- {
			_ = redirect(saved[i], fds[i])
			unix.Close(saved[i])
		}
	}

	for _, fd := range fds {
		dup, err := unix.Dup(fd)
		if err != nil {
			undo()
			return nil, fmt.Errorf("dup fd %d: %w", fd, err)
		}
		unix.CloseOnExec(dup)
		if err := redirect(target, fd); err != nil {
			unix.Close(dup)
			undo()
			return nil, fmt.Errorf("redirect fd %d: %w", fd, err)
		}
		saved = append(saved, dup)
	}
	return saved, nil
}
