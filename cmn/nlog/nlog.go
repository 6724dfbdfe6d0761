// Package nlog - control-plane and process-controller logger, provides
// buffering, timestamping, writing, and flushing/rotating.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/aislambda/cmn/mono"
)

const maxLineSize = 2 * 1024

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevText = [...]string{"INFO", "WARNING", "ERROR"}

type nlogger struct {
	mw      sync.Mutex
	file    *os.File
	buf     bytes.Buffer
	written atomic.Int64
	last    atomic.Int64
	sev     severity
}

var (
	toStderr     bool
	alsoToStderr bool
	logDir       string
	aisrole      string
	title        string
	host, _      = os.Hostname()
	pid          = os.Getpid()

	nlogs = [...]*nlogger{
		sevInfo: {sev: sevInfo},
		sevWarn: {sev: sevWarn},
		sevErr:  {sev: sevErr},
	}

	MaxSize int64 = 4 * 1024 * 1024
)

func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

func SetLogDirRole(dir, role string) { logDir, aisrole = dir, role }
func SetTitle(s string)              { title = s }

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth+1, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 1, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 1, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 1, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 1, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth+1, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 1, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 1, format, args...) }

func InfoLogName() string { return sname() + ".INFO" }
func ErrLogName() string  { return sname() + ".ERROR" }

func log(sev severity, depth int, format string, args ...any) {
	line := render(sev, depth+1, format, args...)
	if !flag.Parsed() || toStderr {
		os.Stderr.WriteString(line)
		return
	}
	if alsoToStderr || sev >= sevErr {
		os.Stderr.WriteString(line)
	}
	// a warning (or worse) is duplicated into the error log, same as the teacher's split files
	if sev >= sevWarn {
		write(nlogs[sevErr], line)
	}
	write(nlogs[sevInfo], line)
}

func write(nl *nlogger, line string) {
	nl.mw.Lock()
	defer nl.mw.Unlock()
	if nl.file == nil && logDir != "" {
		_ = open(nl)
	}
	nl.buf.WriteString(line)
	nl.last.Store(mono.NanoTime())
	if nl.file != nil && int64(nl.buf.Len()) >= maxLineSize {
		flushLocked(nl)
	}
}

func open(nl *nlogger) error {
	name, _ := logfname(sevText[nl.sev], time.Now())
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	nl.file = f
	hdr := fmt.Sprintf("Started up at %s, host %s, %s for %s/%s\n",
		time.Now().Format("2006/01/02 15:04:05"), host, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if title != "" {
		hdr += title + "\n"
	}
	_, _ = f.WriteString(hdr)
	return nil
}

// under nl.mw
func flushLocked(nl *nlogger) {
	if nl.buf.Len() == 0 {
		return
	}
	n, err := nl.file.Write(nl.buf.Bytes())
	if err == nil {
		nl.written.Add(int64(n))
	}
	nl.buf.Reset()
	if nl.written.Load() >= MaxSize {
		nl.file.Close()
		nl.file = nil
		nl.written.Store(0)
	}
}

func Flush(exit ...bool) {
	ex := len(exit) > 0 && exit[0]
	for _, nl := range nlogs {
		nl.mw.Lock()
		if nl.file != nil {
			flushLocked(nl)
			if ex {
				nl.file.Sync()
				nl.file.Close()
				nl.file = nil
			}
		}
		nl.mw.Unlock()
	}
}

func Since() time.Duration {
	now := mono.NanoTime()
	a := time.Duration(now - nlogs[sevInfo].last.Load())
	b := time.Duration(now - nlogs[sevErr].last.Load())
	if a > b {
		return a
	}
	return b
}

//
// formatting
//

func render(sev severity, depth int, format string, args ...any) string {
	var b strings.Builder
	b.WriteByte("IWE"[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(depth + 1); ok {
		if idx := strings.LastIndexByte(fn, '/'); idx >= 0 {
			fn = fn[idx+1:]
		}
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func logfname(tag string, t time.Time) (name, link string) {
	s := sname()
	name = fmt.Sprintf("%s.%s.%s.%02d%02d-%02d%02d%02d.%d",
		s, host, tag, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), pid)
	return name, s + "." + tag
}

func sname() string {
	if aisrole != "" {
		return aisrole
	}
	return "aislambda"
}
