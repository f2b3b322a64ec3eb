package robj

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// WorkerIO is everything a process/thread-mode target needs to participate
// in the Proxy/Listener/Except protocol: the duplex channel and liveness
// flag for hosting a Listener over its own root object, plus the Except
// instance its return value and captured exceptions flow through.
type WorkerIO struct {
	ProxyChannel *Channel
	Liveness     LivenessFlag
	Exc          *Except
}

// WorkerFunc is a Job target. Grounded on excs.py's wrap(result=True): the
// return value (or yielded values, via a send on a channel result) crosses
// back through io.Exc exactly as RETURN/YIELD/YIELD_RETURN records.
type WorkerFunc func(ctx context.Context, io WorkerIO) (interface{}, error)

// workerRegistryEnv names the environment variable a re-exec'd child reads to
// find which registered worker to run, the process-mode analogue of Python's
// multiprocessing.Process(target=picklable_callable).
const workerRegistryEnv = "ROBJ_WORKER"

var (
	workerRegistryMu sync.Mutex
	workerRegistry   = map[string]WorkerFunc{}
)

// RegisterWorker makes fn runnable in process mode under name. Go cannot
// serialize an arbitrary closure across exec the way Python's
// multiprocessing pickles a bound callable, so process-mode Jobs resolve
// their target by name instead: call this (typically from an init()) before
// any process-mode Job.Start for that name, in every build of the binary
// that might re-exec as that worker.
func RegisterWorker(name string, fn WorkerFunc) {
	workerRegistryMu.Lock()
	defer workerRegistryMu.Unlock()
	workerRegistry[name] = fn
}

func lookupWorker(name string) (WorkerFunc, bool) {
	workerRegistryMu.Lock()
	defer workerRegistryMu.Unlock()
	fn, ok := workerRegistry[name]
	return fn, ok
}

// process-mode file descriptor assignments for the inherited ExtraFiles,
// fixed so both Job.startProcess and MaybeRunWorker agree on layout.
const (
	fdExceptRead = 3 + iota
	fdExceptWrite
	fdProxyRead
	fdProxyWrite
	fdLiveness
)

// MaybeRunWorker checks whether this process was re-exec'd as a registered
// worker (ROBJ_WORKER set) and, if so, runs that worker against the
// inherited pipes and never returns (the process exits with status 0 once the
// worker returns; its result and errors reach the parent over the Except
// channel). Otherwise it returns false. Call this at the very top of main(),
// before any other startup:
// it is the re-exec trampoline process-mode Jobs rely on.
func MaybeRunWorker() bool {
	name := os.Getenv(workerRegistryEnv)
	if name == "" {
		return false
	}
	fn, ok := lookupWorker(name)
	if !ok {
		fmt.Fprintf(os.Stderr, "remoteobj: no worker registered as %q\n", name)
		os.Exit(1)
	}

	logger := NewLogger("worker."+name, LogLevelInfo)

	exceptChannel := OpenProcessChannel(logger.Fork("except"),
		os.NewFile(fdExceptRead, "robj-except-read"),
		os.NewFile(fdExceptWrite, "robj-except-write"))
	proxyChannel := OpenProcessChannel(logger.Fork("proxy"),
		os.NewFile(fdProxyRead, "robj-proxy-read"),
		os.NewFile(fdProxyWrite, "robj-proxy-write"))
	liveness, err := OpenProcessLivenessFlag(logger, os.NewFile(fdLiveness, "robj-liveness"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "remoteobj: worker %q failed to open liveness flag: %s\n", name, err)
		os.Exit(1)
	}

	exc := NewExcept(logger.Fork("exc"), exceptChannel, true)
	io := WorkerIO{ProxyChannel: proxyChannel, Liveness: liveness, Exc: exc}

	run := exc.Wrap(func() (interface{}, error) {
		return fn(context.Background(), io)
	})
	run()

	exceptChannel.Close()
	proxyChannel.Close()
	liveness.Close()
	os.Exit(0)
	return true
}
