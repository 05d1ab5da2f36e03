package link

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cpxlink/cpxd/log2"
	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
)

const (
	DefaultReadLimit    = 1024
	DefaultWriteTimeout = 10 * time.Second
)

var (
	ErrPeerClosed = fmt.Errorf("peer closed")
	ErrTimeout    = fmt.Errorf("timeout")
	ErrMalformed  = fmt.Errorf("malformed message")
	ErrClosing    = fmt.Errorf("closing")
)

// Channel is text message exchange over stream connection with read deadlines.
// There is no framing: one Receive returns bytes of one underlying read.
// Any failure closes the channel, first failure is kept and returned by
// all subsequent calls.
type Channel struct {
	mu   sync.Mutex
	err  error // first close reason
	last atomic_clock.Clock
	net  net.Conn
	r    io.Reader
	w    io.Writer
	buf  []byte
	log  *log2.Log
	stat *SessionStat

	writeTimeout time.Duration
}

type ChannelOptions struct {
	Log          *log2.Log
	Stat         *SessionStat
	ReadLimit    int
	WriteTimeout time.Duration
}

func NewChannel(conn net.Conn, opt ChannelOptions) *Channel {
	if opt.ReadLimit <= 0 {
		opt.ReadLimit = DefaultReadLimit
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = DefaultWriteTimeout
	}
	if opt.Stat == nil {
		opt.Stat = new(SessionStat)
	}
	c := &Channel{
		net:          conn,
		buf:          make([]byte, opt.ReadLimit),
		log:          opt.Log,
		stat:         opt.Stat,
		writeTimeout: opt.WriteTimeout,
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(time.Minute)
		_ = tcp.SetLinger(0)
	}
	c.r = statReader{conn, &c.stat.Recv.Size}
	c.w = statWriter{conn, &c.stat.Send.Size}
	c.last.SetNow()
	return c
}

// Send writes text as single write. Any failure closes channel with ErrPeerClosed.
func (c *Channel) Send(text string) error {
	if err := c.Err(); err != nil {
		return err
	}
	c.log.Debugf("send %q", text)
	if err := c.net.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return c.die(errors.Annotatef(ErrPeerClosed, "SetWriteDeadline err=%v", err))
	}
	// net.Conn writes all or fails
	if _, err := c.w.Write([]byte(text)); err != nil {
		return c.die(errors.Annotatef(ErrPeerClosed, "send err=%v", err))
	}
	c.stat.Send.Count.Add(1)
	return nil
}

// Receive waits for data at most timeout, zero timeout waits forever.
// Errors: ErrTimeout, ErrPeerClosed, ErrMalformed or reason of earlier Close.
func (c *Channel) Receive(timeout time.Duration) (string, error) {
	if err := c.Err(); err != nil {
		return "", err
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.net.SetReadDeadline(deadline); err != nil {
		return "", c.die(errors.Annotatef(ErrPeerClosed, "SetReadDeadline err=%v", err))
	}
	n, err := c.r.Read(c.buf)
	if n == 0 {
		switch {
		case err == nil, err == io.EOF:
			return "", c.die(errors.Annotate(ErrPeerClosed, "receive"))
		case isTimeout(err):
			return "", c.die(errors.Annotatef(ErrTimeout, "receive after=%v", timeout))
		default:
			return "", c.die(errors.Annotatef(ErrPeerClosed, "receive err=%v", err))
		}
	}
	// data with error: error repeats on next read
	b := c.buf[:n]
	if !utf8.Valid(b) {
		return "", c.die(errors.Annotatef(ErrMalformed, "receive invalid utf-8 b=(%d)%x", n, b))
	}
	c.last.SetNow()
	c.stat.Recv.Count.Add(1)
	s := string(b)
	c.log.Debugf("recv %q", s)
	return s, nil
}

func (c *Channel) Close() error {
	_ = c.die(ErrClosing)
	return nil
}

func (c *Channel) Closed() bool { return c.Err() != nil }

// Err returns close reason or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) RemoteAddr() net.Addr         { return c.net.RemoteAddr() }
func (c *Channel) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }

func (c *Channel) String() string {
	return fmt.Sprintf("(remote=%s)", addrString(c.RemoteAddr()))
}

func (c *Channel) die(e error) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.err = e
	c.mu.Unlock()
	_ = c.net.Close()

	// reformat some well known errors for easier log reading
	estr := e.Error()
	if strings.HasSuffix(estr, "connection reset by peer") {
		estr = "closed by remote"
	}
	c.log.Debugf("die +close local=%s remote=%s e=%s", addrString(c.net.LocalAddr()), addrString(c.RemoteAddr()), estr)
	return e
}

func isTimeout(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
