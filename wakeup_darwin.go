//go:build darwin

package evengine

import (
	"golang.org/x/sys/unix"
)

// wakeFD interrupts a blocking wait. On Darwin it is a non-blocking pipe.
type wakeFD struct {
	r, w int
}

func newWakeFD() (*wakeFD, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, err
		}
	}
	return &wakeFD{r: fds[0], w: fds[1]}, nil
}

func (x *wakeFD) signal() error {
	for {
		_, err := unix.Write(x.w, []byte{1})
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// pipe full, already signaled
			return nil
		}
		return err
	}
}

func (x *wakeFD) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(x.r, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < len(buf) {
			return
		}
	}
}

func (x *wakeFD) close() error {
	err := unix.Close(x.r)
	if err2 := unix.Close(x.w); err == nil {
		err = err2
	}
	return err
}
