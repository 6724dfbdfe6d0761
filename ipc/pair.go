// Package ipc — worker pipe setup: one unidirectional OS pipe each way
// (spec.md §4.2: "separate read and write channels").
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package ipc

import "os"

// WorkerPipes holds the four pipe ends a freshly forked worker needs: the
// controller writes on ToWorker and reads on FromWorker; the worker process
// inherits the opposite ends as its stdin-equivalent control fds.
type WorkerPipes struct {
	ToWorkerW, ToWorkerR     *os.File
	FromWorkerW, FromWorkerR *os.File
}

func NewWorkerPipes() (*WorkerPipes, error) {
	toR, toW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	fromR, fromW, err := os.Pipe()
	if err != nil {
		toR.Close()
		toW.Close()
		return nil, err
	}
	return &WorkerPipes{ToWorkerW: toW, ToWorkerR: toR, FromWorkerW: fromW, FromWorkerR: fromR}, nil
}

// ControllerSide builds the Channel the controller uses to talk to the
// worker: write on ToWorkerW, read on FromWorkerR.
func (wp *WorkerPipes) ControllerSide(pool *Pool) (send, recv *Channel) {
	send = NewChannel(rwPair{w: wp.ToWorkerW}, pool)
	recv = NewChannel(rwPair{r: wp.FromWorkerR}, pool)
	return
}

// WorkerSide builds the Channel the worker subprocess uses: read on
// ToWorkerR, write on FromWorkerW. Called after fork+exec inherits the fds.
func (wp *WorkerPipes) WorkerSide(pool *Pool) (recv, send *Channel) {
	recv = NewChannel(rwPair{r: wp.ToWorkerR}, pool)
	send = NewChannel(rwPair{w: wp.FromWorkerW}, pool)
	return
}

// CloseChildEnds closes the controller's copies of the child's ends
// (ToWorkerR, FromWorkerW) once they have been handed to the child
// (standard pipe fd hygiene).
func (wp *WorkerPipes) CloseChildEnds() {
	wp.ToWorkerR.Close()
	wp.FromWorkerW.Close()
}

type rwPair struct {
	r *os.File
	w *os.File
}

func (p rwPair) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p rwPair) Write(b []byte) (int, error) {
	return p.w.Write(b)
}

// Fd exposes the read side's raw descriptor so the controller's epoll loop
// (process/controller) can multiplex many workers' recv channels without a
// goroutine-per-worker (spec.md §4.8, §5 "epoll-equivalent").
func (p rwPair) Fd() int {
	if p.r != nil {
		return int(p.r.Fd())
	}
	return -1
}

func (p rwPair) Close() error {
	var err error
	if p.r != nil {
		err = p.r.Close()
	}
	if p.w != nil {
		if werr := p.w.Close(); err == nil {
			err = werr
		}
	}
	return err
}
