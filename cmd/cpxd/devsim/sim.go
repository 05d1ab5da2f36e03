// Package devsim pretends to be field device for manual server testing.
package devsim

import (
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cpxlink/cpxd/device"
	"github.com/cpxlink/cpxd/log2"
	"github.com/juju/errors"
)

// Sim answers server requests: identity, staged telemetry and command acks.
type Sim struct {
	imei string
	log  *log2.Log
	conn net.Conn

	mu      sync.Mutex
	staged  map[string]interface{}
	raw     string
	autoAck bool
	unacked string

	// OnCommand observes every command text received from server.
	OnCommand func(text string)
}

func Dial(addr, imei string, log *log2.Log) (*Sim, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, errors.Annotatef(err, "devsim dial addr=%s", addr)
	}
	return New(conn, imei, log), nil
}

func New(conn net.Conn, imei string, log *log2.Log) *Sim {
	return &Sim{
		imei:    imei,
		log:     log,
		conn:    conn,
		staged:  make(map[string]interface{}),
		autoAck: true,
	}
}

// Run answers server until connection is closed.
func (s *Sim) Run() error {
	buf := make([]byte, 1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if herr := s.handle(strings.TrimSpace(string(buf[:n]))); herr != nil {
				return herr
			}
		}
		if err != nil {
			return errors.Annotate(err, "devsim read")
		}
	}
}

func (s *Sim) Close() error { return s.conn.Close() }

// Set stages telemetry field for next GET_INFO. Value is JSON literal or bare string.
func (s *Sim) Set(key, value string) {
	var v interface{}
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		v = value
	}
	s.mu.Lock()
	s.staged[key] = v
	s.mu.Unlock()
}

// Stage replaces next telemetry reply with raw payload, sent as is.
func (s *Sim) Stage(payload string) {
	s.mu.Lock()
	s.raw = payload
	s.mu.Unlock()
}

func (s *Sim) SetAutoAck(on bool) {
	s.mu.Lock()
	s.autoAck = on
	s.mu.Unlock()
}

// Ack confirms last received command when auto ack is off.
func (s *Sim) Ack() error {
	s.mu.Lock()
	text := s.unacked
	s.unacked = ""
	s.mu.Unlock()
	if text == "" {
		return errors.NotFoundf("unacked command")
	}
	return s.send(device.MsgAck)
}

func (s *Sim) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, _ := json.Marshal(s.staged)
	return "imei=" + s.imei + " staged=" + string(b) + " raw=" + s.raw + " unacked=" + s.unacked
}

func (s *Sim) handle(msg string) error {
	s.log.Debugf("devsim recv %q", msg)
	switch msg {
	case device.MsgIdentify:
		return s.send(s.imei)

	case device.MsgGetInfo:
		return s.send(s.takeTelemetry())

	default:
		s.mu.Lock()
		auto := s.autoAck
		if !auto {
			s.unacked = msg
		}
		s.mu.Unlock()
		if s.OnCommand != nil {
			s.OnCommand(msg)
		}
		if auto {
			return s.send(device.MsgAck)
		}
		s.log.Infof("devsim command=%s waiting for ack", msg)
		return nil
	}
}

func (s *Sim) takeTelemetry() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw != "" {
		raw := s.raw
		s.raw = ""
		return raw
	}
	if len(s.staged) == 0 {
		return device.MsgNoUpdate
	}
	b, err := json.Marshal(s.staged)
	if err != nil {
		s.log.Errorf("devsim telemetry marshal err=%v", err)
		return device.MsgNoUpdate
	}
	s.staged = make(map[string]interface{})
	return string(b)
}

func (s *Sim) send(text string) error {
	s.log.Debugf("devsim send %q", text)
	_, err := s.conn.Write([]byte(text))
	return errors.Annotate(err, "devsim send")
}
