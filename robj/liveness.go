package robj

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// LivenessFlag lets a Listener announce "I am actively polling/listening
// right now" to any Proxy that wants to WaitUntilListening before it sends
// its first chain, without either side blocking on a Channel round trip.
type LivenessFlag interface {
	SetListening(listening bool)
	IsListening() bool
	io.Closer
}

// threadLivenessFlag is the goroutine-mode LivenessFlag: a plain atomic int32
// shared by both sides since they live in the same address space.
type threadLivenessFlag struct {
	flag int32
}

// NewThreadLivenessFlag returns a LivenessFlag usable between goroutines in a
// single process.
func NewThreadLivenessFlag() LivenessFlag {
	return &threadLivenessFlag{}
}

func (f *threadLivenessFlag) SetListening(listening bool) {
	var v int32
	if listening {
		v = 1
	}
	atomic.StoreInt32(&f.flag, v)
}

func (f *threadLivenessFlag) IsListening() bool {
	return atomic.LoadInt32(&f.flag) != 0
}

func (f *threadLivenessFlag) Close() error { return nil }

// processLivenessFlag is the process-mode LivenessFlag. Anonymous mmap
// regions do not survive exec, so this backs the shared flag with a real
// file: the parent creates the file, mmaps it, and passes the *os.File to
// the child via exec.Cmd.ExtraFiles, and the child mmaps the very same fd.
// Both mappings then reference the same physical page, giving the same
// cross-process visibility Python gets from multiprocessing.Value.
type processLivenessFlag struct {
	file     *os.File
	data     []byte
	watcher  *fsnotify.Watcher // best-effort wake hint only, never load-bearing
	ownsFile bool
}

const livenessFlagSize = 1

// NewProcessLivenessFlag creates the backing file in dir (typically
// os.TempDir()) and mmaps it, ready to be shared with a child process.
func NewProcessLivenessFlag(logger Logger, dir string) (*processLivenessFlag, error) {
	f, err := os.CreateTemp(dir, "remoteobj-liveness-*")
	if err != nil {
		return nil, logger.Errorf("failed to create liveness flag file: %s", err)
	}
	if err := f.Truncate(livenessFlagSize); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, logger.Errorf("failed to size liveness flag file: %s", err)
	}
	flag, err := openProcessLivenessFlag(logger, f, true)
	if err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	return flag, nil
}

// OpenProcessLivenessFlag maps an *os.File inherited from the parent (e.g.
// via ExtraFiles) as the child side of a process-mode LivenessFlag.
func OpenProcessLivenessFlag(logger Logger, f *os.File) (*processLivenessFlag, error) {
	return openProcessLivenessFlag(logger, f, false)
}

func openProcessLivenessFlag(logger Logger, f *os.File, ownsFile bool) (*processLivenessFlag, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, livenessFlagSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, logger.Errorf("failed to mmap liveness flag: %s", err)
	}
	flag := &processLivenessFlag{file: f, data: data, ownsFile: ownsFile}
	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(f.Name()); err == nil {
			flag.watcher = w
		} else {
			w.Close()
		}
	}
	return flag, nil
}

// File exposes the backing *os.File so a Job can hand it to exec.Cmd.ExtraFiles.
func (f *processLivenessFlag) File() *os.File { return f.file }

// wakeChan exposes the best-effort fsnotify watch on the backing file, so
// Proxy.WaitUntilListening's poll loop can wake early on a write instead of
// only on its own backoff timer, per spec.md's "liveness wake optimization."
// Returns nil if no watcher could be established. Writes land via raw mmap
// stores, not write(2)/msync, so the underlying inotify event is not
// guaranteed to fire promptly (or at all) on every platform — callers must
// never depend on it arriving, only treat it as an early nudge.
func (f *processLivenessFlag) wakeChan() <-chan fsnotify.Event {
	if f.watcher == nil {
		return nil
	}
	return f.watcher.Events
}

func (f *processLivenessFlag) SetListening(listening bool) {
	var v byte
	if listening {
		v = 1
	}
	f.data[0] = v
}

func (f *processLivenessFlag) IsListening() bool {
	return f.data[0] != 0
}

func (f *processLivenessFlag) Close() error {
	var err error
	if f.watcher != nil {
		f.watcher.Close()
	}
	if f.data != nil {
		err = unix.Munmap(f.data)
	}
	if f.ownsFile {
		f.file.Close()
		os.Remove(f.file.Name())
	}
	return err
}
