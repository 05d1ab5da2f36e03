package link

// Values are read and modified atomically, but not consistently,
// i.e. it is possible to read Recv.Count=1 Recv.Size=0 because Size has not updated yet.

import (
	"expvar"
	"fmt"
	"io"
)

type SessionStat struct {
	Live      expvar.Int
	Accepted  expvar.Int
	Rejected  expvar.Int
	Overtaken expvar.Int
	Recv      CountSizePair
	Send      CountSizePair
	Telemetry expvar.Int // merged payloads
	Delivered expvar.Int // acknowledged commands
	Errors    expvar.Int // error log lines from server and sessions
}

var _ expvar.Var = &SessionStat{}

func (ss *SessionStat) Value() (r SessionStat) {
	r.Live.Set(ss.Live.Value())
	r.Accepted.Set(ss.Accepted.Value())
	r.Rejected.Set(ss.Rejected.Value())
	r.Overtaken.Set(ss.Overtaken.Value())
	r.Recv.Set(ss.Recv.Value())
	r.Send.Set(ss.Send.Value())
	r.Telemetry.Set(ss.Telemetry.Value())
	r.Delivered.Set(ss.Delivered.Value())
	r.Errors.Set(ss.Errors.Value())
	return
}

func (ss *SessionStat) String() string {
	return fmt.Sprintf(`{"live":%d,"accepted":%d,"rejected":%d,"overtaken":%d,"recv":%s,"send":%s,"telemetry":%d,"delivered":%d,"errors":%d}`,
		ss.Live.Value(), ss.Accepted.Value(), ss.Rejected.Value(), ss.Overtaken.Value(),
		ss.Recv.String(), ss.Send.String(),
		ss.Telemetry.Value(), ss.Delivered.Value(), ss.Errors.Value())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) Value() (r CountSizePair) {
	r.Count.Set(csp.Count.Value())
	r.Size.Set(csp.Size.Value())
	return
}

func (csp *CountSizePair) Set(new CountSizePair) {
	csp.Count.Set(new.Count.Value())
	csp.Size.Set(new.Size.Value())
}

func (csp *CountSizePair) String() string {
	return fmt.Sprintf(`{"count":%d,"size":%d}`, csp.Count.Value(), csp.Size.Value())
}

// approximate TCP/IP header size added per read or write
const tcpOverhead = 40

type statReader struct {
	r io.Reader
	v *expvar.Int
}

func (sr statReader) Read(p []byte) (int, error) {
	n, err := sr.r.Read(p)
	if n > 0 {
		sr.v.Add(int64(n) + tcpOverhead)
	}
	return n, err
}

type statWriter struct {
	w io.Writer
	v *expvar.Int
}

func (sw statWriter) Write(p []byte) (int, error) {
	n, err := sw.w.Write(p)
	if n > 0 {
		sw.v.Add(int64(n) + tcpOverhead)
	}
	return n, err
}
