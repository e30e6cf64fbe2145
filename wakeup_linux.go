//go:build linux

package evengine

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// wakeFD interrupts a blocking wait. On Linux it is a single eventfd, used
// as both the read and write end.
type wakeFD struct {
	r, w int
}

func newWakeFD() (*wakeFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &wakeFD{r: fd, w: fd}, nil
}

func (x *wakeFD) signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(x.w, buf[:])
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// counter saturated, already signaled
			return nil
		}
		return err
	}
}

func (x *wakeFD) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(x.r, buf[:]); err != unix.EINTR {
			return
		}
	}
}

func (x *wakeFD) close() error {
	return unix.Close(x.r)
}
