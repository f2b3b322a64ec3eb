package robj

import (
	"encoding/gob"
	"io"
	"os"
	"sync"

	"github.com/jpillora/sizestr"
	"github.com/prep/socketpair"
)

// Channel is a duplex message transport between two
// endpoints of a Proxy/Except pair: either two OS processes (backed by a pair
// of os.Pipe streams) or two goroutines in the same process (backed by a
// socketpair.New("unix") net.Conn pair). Grounded on share/pipe_conn.go's
// input-stream/output-stream shape and share/socket_conn.go's net.Conn
// wrapping; sends are serialized and ordered per spec.md §5.
type Channel struct {
	Logger

	conn io.ReadWriteCloser
	enc  *gob.Encoder
	dec  *gob.Decoder

	sendLock sync.Mutex

	closeOnce sync.Once
	closeErr  error

	recvOnce sync.Once
	msgs     chan interface{}
	recvErrs chan error

	bytesSent int64
	bytesRecv int64
}

// countingWriter tallies bytes written to an underlying stream, so Channel
// can report throughput without disturbing the gob wire format.
type countingWriter struct {
	io.Writer
	n *int64
}

func (w countingWriter) Write(b []byte) (int, error) {
	n, err := w.Writer.Write(b)
	*w.n += int64(n)
	return n, err
}

// countingReader is countingWriter's read-side counterpart.
type countingReader struct {
	io.Reader
	n *int64
}

func (r countingReader) Read(b []byte) (int, error) {
	n, err := r.Reader.Read(b)
	*r.n += int64(n)
	return n, err
}

func newChannel(logger Logger, conn io.ReadWriteCloser) *Channel {
	c := &Channel{
		Logger:   logger,
		conn:     conn,
		msgs:     make(chan interface{}, 16),
		recvErrs: make(chan error, 1),
	}
	c.enc = gob.NewEncoder(countingWriter{Writer: conn, n: &c.bytesSent})
	c.dec = gob.NewDecoder(countingReader{Reader: conn, n: &c.bytesRecv})
	return c
}

// NewThreadChannelPair creates two Channel endpoints connected by a real
// full-duplex OS socketpair, for use between a goroutine worker and its
// parent within the same process. Using an actual socketpair here (rather
// than an in-memory Go chan) keeps the wire path identical to process mode.
func NewThreadChannelPair(logger Logger) (a, b *Channel, err error) {
	connA, connB, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, logger.Errorf("failed to create thread-mode socketpair: %s", err)
	}
	a = newChannel(logger.Fork("chan-a"), connA)
	b = newChannel(logger.Fork("chan-b"), connB)
	return a, b, nil
}

// NewProcessChannelPair creates a local Channel usable immediately by the
// parent process, plus the two *os.File descriptors that must be passed to
// the child (e.g. via exec.Cmd.ExtraFiles) so it can construct the other
// endpoint with OpenProcessChannel.
func NewProcessChannelPair(logger Logger) (local *Channel, childReadFile, childWriteFile *os.File, err error) {
	parentRead, childWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, logger.Errorf("failed to create request pipe: %s", err)
	}
	childRead, parentWrite, err := os.Pipe()
	if err != nil {
		parentRead.Close()
		childWrite.Close()
		return nil, nil, nil, logger.Errorf("failed to create response pipe: %s", err)
	}
	local = newChannel(logger.Fork("chan-parent"), &pipeConn{r: parentRead, w: parentWrite})
	return local, childRead, childWrite, nil
}

// OpenProcessChannel builds the child-side Channel endpoint from the two
// inherited files produced by NewProcessChannelPair (in the child's own
// re-exec'd process, typically fd 3 and fd 4).
func OpenProcessChannel(logger Logger, readFile, writeFile *os.File) *Channel {
	return newChannel(logger.Fork("chan-child"), &pipeConn{r: readFile, w: writeFile})
}

// pipeConn pairs an input and output stream into a single io.ReadWriteCloser,
// the same shape as share/pipe_conn.go's PipeConn.
type pipeConn struct {
	r *os.File
	w *os.File
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeConn) Close() error {
	errR := p.r.Close()
	errW := p.w.Close()
	if errR != nil {
		return errR
	}
	return errW
}

func (c *Channel) startRecvLoop() {
	c.recvOnce.Do(func() {
		go func() {
			for {
				var env envelope
				if err := c.dec.Decode(&env); err != nil {
					c.recvErrs <- &ChannelClosedError{Cause: err}
					close(c.msgs)
					return
				}
				c.msgs <- env.V
			}
		}()
	})
}

// envelope is the on-wire container for an arbitrary Send'd value; V's
// dynamic type must have been gob.Register'd by both endpoints.
type envelope struct {
	V interface{}
}

// Send transmits v to the peer. Sends from a single Channel are ordered and
// safe for concurrent use. Send encodes straight into the underlying stream,
// so it blocks while the OS buffer is full and the peer is not reading.
func (c *Channel) Send(v interface{}) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if err := c.enc.Encode(&envelope{V: v}); err != nil {
		return &ChannelClosedError{Cause: err}
	}
	return nil
}

// Recv blocks until a value arrives from the peer, or the channel closes.
func (c *Channel) Recv() (interface{}, error) {
	c.startRecvLoop()
	v, ok := <-c.msgs
	if !ok {
		// leave the close error in place so later Poll/Recv calls see it too
		err := <-c.recvErrs
		c.recvErrs <- err
		return nil, err
	}
	return v, nil
}

// Poll reports whether a Recv would return immediately without blocking.
func (c *Channel) Poll() bool {
	c.startRecvLoop()
	select {
	case v, ok := <-c.msgs:
		if !ok {
			// put the close error back so a subsequent Recv observes it
			select {
			case c.recvErrs <- <-c.recvErrs:
			default:
			}
			return true
		}
		// push v back to the front of the queue via requeue.
		c.requeue(v)
		return true
	default:
		return false
	}
}

// requeue puts a value that Poll peeked back at the head of the queue.
func (c *Channel) requeue(v interface{}) {
	// msgs is a buffered FIFO chan; to put v back at the front we drain the
	// remainder, push v, then the remainder, which is correct because Poll
	// only ever peeks one value at a time and nothing else reads msgs
	// concurrently (Recv and Poll share the same single-consumer contract).
	pending := []interface{}{v}
	for {
		select {
		case nv := <-c.msgs:
			pending = append(pending, nv)
		default:
			for _, p := range pending {
				c.msgs <- p
			}
			return
		}
	}
}

// Close shuts down the transport. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.logThroughput()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// logThroughput emits a debug line with human-readable byte counts, in the
// spirit of share/connstats.go's read/write bookkeeping.
func (c *Channel) logThroughput() {
	c.DLogf("sent=%s recv=%s", sizestr.ToMemSizeString(c.bytesSent), sizestr.ToMemSizeString(c.bytesRecv))
}
