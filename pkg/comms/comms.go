// Package comms carries stack reports across the privilege boundary
// between the process that owns the trace and the process that logs or
// stores the result. Messages are framed with a 4-byte little-endian
// length followed by a msgpack body, so either end can be replaced
// without touching the other.
package comms

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/atomic"

	"github.com/piotrbartman/sandboxed-api/pkg/logflags"
	"github.com/piotrbartman/sandboxed-api/pkg/unwind"
)

// MaxMessageSize bounds what RecvReport accepts. The peer lives on the
// other side of a privilege boundary; a huge length word is corruption
// or hostility, not a big report.
const MaxMessageSize = 1 << 20

// Message is the wire envelope around one report.
type Message struct {
	SeqNum uint64
	Report *unwind.Report
}

// Channel frames messages over a byte stream. Sends are stamped with a
// sequence number so the receiving end can spot drops. A Channel is
// not goroutine-safe; give each direction its own.
type Channel struct {
	rw     io.ReadWriter
	seq    *atomic.Uint64
	expect *atomic.Uint64
	logger logflags.Logger
}

// NewChannel wraps rw, typically one end of a socketpair inherited
// across fork.
func NewChannel(rw io.ReadWriter) *Channel {
	return &Channel{
		rw:     rw,
		seq:    atomic.NewUint64(0),
		expect: atomic.NewUint64(0),
		logger: logflags.CommsLogger(),
	}
}

// SendReport frames and writes one report.
func (c *Channel) SendReport(r *unwind.Report) error {
	msg := &Message{SeqNum: c.seq.Load(), Report: r}
	c.seq.Inc()

	data, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling report: %v", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("report does not fit a message: %d bytes", len(data))
	}

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(data)))
	if _, err := c.rw.Write(size[:]); err != nil {
		return fmt.Errorf("writing message size: %v", err)
	}
	if _, err := c.rw.Write(data); err != nil {
		return fmt.Errorf("writing message: %v", err)
	}
	c.logger.Debugf("sent report for pid %d, seq %d, %d bytes", r.Pid, msg.SeqNum, len(data))
	return nil
}

// RecvReport reads the next report. A clean end of stream surfaces as
// io.EOF.
func (c *Channel) RecvReport() (*unwind.Report, error) {
	var size [4]byte
	if _, err := io.ReadFull(c.rw, size[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading message size: %v", err)
	}
	n := binary.LittleEndian.Uint32(size[:])
	if n == 0 || n > MaxMessageSize {
		return nil, fmt.Errorf("invalid message size %d", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(c.rw, data); err != nil {
		return nil, fmt.Errorf("reading message body: %v", err)
	}

	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshaling message: %v", err)
	}
	if want := c.expect.Load(); msg.SeqNum != want {
		c.logger.Warnf("message sequence jumped from %d to %d", want, msg.SeqNum)
	}
	c.expect.Store(msg.SeqNum + 1)
	if msg.Report == nil {
		return nil, fmt.Errorf("message %d carries no report", msg.SeqNum)
	}
	return msg.Report, nil
}
