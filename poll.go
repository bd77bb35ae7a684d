package devmapper

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Poller waits for device-mapper events on the control descriptor. The
// kernel marks the descriptor readable when any device raises an event;
// the notification is level-triggered and stays pending until re-armed,
// so the usual loop is Wait, read the state you care about, Rearm, Wait.
type Poller struct {
	epfd int
	fd   int
	dm   *DM
}

// NewPoller registers the handle's control descriptor for event polling.
// Close the poller before closing the handle.
func NewPoller(dm *DM) (*Poller, error) {
	p, err := newPoller(int(dm.File().Fd()))
	if err != nil {
		return nil, err
	}
	p.dm = dm
	return p, nil
}

func newPoller(fd int) (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}

	return &Poller{epfd: epfd, fd: fd}, nil
}

// Wait blocks until the control descriptor reports an event or the timeout
// elapses. A negative timeout waits forever. It returns true if an event is
// pending. Interrupted waits are restarted with the full timeout.
func (p *Poller) Wait(timeout time.Duration) (bool, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	var events [1]unix.EpollEvent
	for {
		n, err := unix.EpollWait(p.epfd, events[:], ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, os.NewSyscallError("epoll_wait", err)
		}
		return n > 0, nil
	}
}

// Rearm clears the pending notification so the next Wait blocks until a new
// event. Call it after consuming an event; without it, Wait keeps returning
// immediately.
func (p *Poller) Rearm() error {
	return p.dm.ArmPoll()
}

// Close releases the poll instance. The control descriptor itself stays
// open.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
