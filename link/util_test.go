package link_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cpxlink/cpxd/events"
	"github.com/stretchr/testify/require"
)

const (
	testImei1 = "123456789012345"
	testImei2 = "490154203237518"
)

// testConnPair returns server and client ends of loopback TCP connection.
func testConnPair(t testing.TB) (net.Conn, net.Conn) {
	ll, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ll.Close()
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ll.Accept()
		ch <- result{conn, err}
	}()
	client, err := net.Dial("tcp", ll.Addr().String())
	require.NoError(t, err)
	r := <-ch
	require.NoError(t, r.err)
	return r.conn, client
}

// testDevice plays remote side of protocol.
type testDevice struct {
	t    testing.TB
	conn net.Conn
	buf  []byte
}

func newTestDevice(t testing.TB, conn net.Conn) *testDevice {
	return &testDevice{t: t, conn: conn, buf: make([]byte, 1024)}
}

func dialTestDevice(t testing.TB, addr string) *testDevice {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return newTestDevice(t, conn)
}

func (d *testDevice) read() (string, error) {
	_ = d.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := d.conn.Read(d.buf)
	return string(d.buf[:n]), err
}

func (d *testDevice) expect(msg string) {
	s, err := d.read()
	require.NoError(d.t, err, "expected=%q", msg)
	require.Equal(d.t, msg, s)
}

// expectClosed waits until server closes connection.
func (d *testDevice) expectClosed() {
	for {
		s, err := d.read()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				d.t.Fatalf("expected close, got timeout")
			}
			return
		}
		d.t.Logf("device: drain %q", s)
	}
}

func (d *testDevice) send(msg string) {
	_, err := d.conn.Write([]byte(msg))
	require.NoError(d.t, err)
}

// identify completes handshake and first telemetry request.
func (d *testDevice) identify(imei string) {
	d.expect("ID_SUPPLICANT")
	d.send(imei)
	d.expect("GET_INFO")
}

func (d *testDevice) Close() { _ = d.conn.Close() }

type eventLog struct {
	sync.Mutex
	list []events.Event
}

func (l *eventLog) Emit(e events.Event) {
	l.Lock()
	l.list = append(l.list, e)
	l.Unlock()
}

func (l *eventLog) kinds() []events.Kind {
	l.Lock()
	defer l.Unlock()
	ks := make([]events.Kind, len(l.list))
	for i, e := range l.list {
		ks[i] = e.Kind
	}
	return ks
}

func (l *eventLog) last() events.Event {
	l.Lock()
	defer l.Unlock()
	return l.list[len(l.list)-1]
}

func (l *eventLog) count(k events.Kind) int64 {
	l.Lock()
	defer l.Unlock()
	n := int64(0)
	for _, e := range l.list {
		if e.Kind == k {
			n++
		}
	}
	return n
}
