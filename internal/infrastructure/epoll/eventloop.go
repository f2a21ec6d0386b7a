package epoll

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"ss-relay/internal/domain"
)

type LinuxEventLoop struct {
	epollFD int
	wakeFD  int
	log     *slog.Logger

	// Touched only by the loop goroutine.
	timers map[int]*timer
	// retired holds fds unregistered during the current batch. Their remaining events
	// in the batch are stale even if the fd number has been reused.
	retired map[int]struct{}

	mu      sync.Mutex
	posted  []func()
	stopped bool
	closed  bool
}

type timer struct {
	loop *LinuxEventLoop
	fd   int
	fn   func()
}

func New(log *slog.Logger) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	l := &LinuxEventLoop{
		epollFD: fd,
		wakeFD:  wfd,
		log:     log,
		timers:  make(map[int]*timer),
		retired: make(map[int]struct{}),
	}
	if err := l.Register(wfd, domain.EventRead); err != nil {
		unix.Close(wfd)
		unix.Close(fd)
		return nil, err
	}
	return l, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET, // Edge-triggered
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

// Unregister must be called from the loop goroutine or while Run is not running.
func (l *LinuxEventLoop) Unregister(fd int) error {
	l.retired[fd] = struct{}{}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// AfterFunc arms a timerfd owned by the loop. Must be called from the loop goroutine
// or before Run starts.
func (l *LinuxEventLoop) AfterFunc(d time.Duration, fn func()) (domain.Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	// A zero value disarms a timerfd.
	if d <= 0 {
		d = time.Nanosecond
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := l.Register(fd, domain.EventRead); err != nil {
		unix.Close(fd)
		return nil, err
	}

	t := &timer{loop: l, fd: fd, fn: fn}
	l.timers[fd] = t
	return t, nil
}

func (t *timer) Stop() {
	if t.fd < 0 {
		return
	}
	delete(t.loop.timers, t.fd)
	t.loop.Unregister(t.fd)
	unix.Close(t.fd)
	t.fd = -1
}

func (l *LinuxEventLoop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.posted = append(l.posted, fn)
	l.wake()
}

// wake must be called with mu held so the eventfd cannot be closed underneath it.
func (l *LinuxEventLoop) wake() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	unix.Write(l.wakeFD, one[:])
}

func (l *LinuxEventLoop) drainPosted() bool {
	var buf [8]byte
	unix.Read(l.wakeFD, buf[:])

	l.mu.Lock()
	queue := l.posted
	l.posted = nil
	stopped := l.stopped
	l.mu.Unlock()

	for _, fn := range queue {
		fn()
	}
	return stopped
}

func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	defer l.close()

	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		clear(l.retired)
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			evMask := events[i].Events

			if _, gone := l.retired[fd]; gone {
				continue
			}

			if fd == l.wakeFD {
				if l.drainPosted() {
					return nil
				}
				continue
			}

			if t, ok := l.timers[fd]; ok {
				fn := t.fn
				t.Stop()
				fn()
				continue
			}

			var domainEv domain.EventType
			if evMask&unix.EPOLLIN != 0 {
				domainEv |= domain.EventRead
			}
			if evMask&unix.EPOLLOUT != 0 {
				domainEv |= domain.EventWrite
			}
			if evMask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				domainEv |= domain.EventError
			}

			if err := handler.HandleEvent(fd, domainEv); err != nil {
				l.log.Debug("Error handling fd", "fd", fd, "error", err)
			}
		}
	}
}

// Stop makes Run return after the callbacks already posted have run.
func (l *LinuxEventLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.stopped = true
	l.wake()
}

func (l *LinuxEventLoop) close() {
	for _, t := range l.timers {
		t.Stop()
	}

	l.mu.Lock()
	l.closed = true
	l.posted = nil
	unix.Close(l.wakeFD)
	l.mu.Unlock()

	unix.Close(l.epollFD)
}
