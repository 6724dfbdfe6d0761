//go:build linux

// Package controller is the process controller (spec.md §4.8): the in-
// sandbox event loop that glues the worker pool, work queue, mailbox, and
// the TCP wire server together.
//
// eventLoop realises the "epoll-equivalent" wait spec.md §4.8/§5 call for:
// a single epoll instance watching every worker's recv descriptor plus an
// eventfd that Wake pokes to make a blocked Wait return. Nothing in this
// package calls Wake: the external-message channel is drained once per
// loop pass, after Wait returns or times out.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package controller

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type eventLoop struct {
	epfd    int
	eventFd int

	mu   sync.Mutex
	byFd map[int]string
}

func newEventLoop() (*eventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	el := &eventLoop{epfd: epfd, eventFd: efd, byFd: make(map[int]string)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}); err != nil {
		el.Close()
		return nil, err
	}
	return el, nil
}

// Add registers fd under key (typically a worker index) for read-readiness.
func (el *eventLoop) Add(key string, fd int) error {
	if fd < 0 {
		return nil // channel has no backing fd (e.g. in unit tests); never polled
	}
	el.mu.Lock()
	el.byFd[fd] = key
	el.mu.Unlock()
	return unix.EpollCtl(el.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)})
}

func (el *eventLoop) Remove(fd int) {
	if fd < 0 {
		return
	}
	el.mu.Lock()
	delete(el.byFd, fd)
	el.mu.Unlock()
	_ = unix.EpollCtl(el.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wake pokes the event fd so a blocked Wait returns promptly (spec.md §4.8
// "Event fd wakes the loop when either queue is non-empty").
func (el *eventLoop) Wake() {
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(el.eventFd, buf[:])
}

// Wait blocks up to timeout and returns the registration keys that became
// readable; woken reports whether the event fd itself fired.
func (el *eventLoop) Wait(timeout time.Duration) (keys []string, woken bool, err error) {
	events := make([]unix.EpollEvent, 64)
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(el.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, false, nil
		}
		return nil, false, err
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == el.eventFd {
			woken = true
			var drain [8]byte
			_, _ = unix.Read(el.eventFd, drain[:])
			continue
		}
		if key, ok := el.byFd[fd]; ok {
			keys = append(keys, key)
		}
	}
	return keys, woken, nil
}

func (el *eventLoop) Close() error {
	_ = unix.Close(el.eventFd)
	return unix.Close(el.epfd)
}
