package link

import (
	"fmt"
	"strings"
	"time"

	"github.com/cpxlink/cpxd/device"
	"github.com/cpxlink/cpxd/events"
	"github.com/cpxlink/cpxd/log2"
	"github.com/cpxlink/cpxd/store"
	"github.com/google/uuid"
	"github.com/juju/errors"
)

const (
	DefaultIdentifyTimeout  = 2 * time.Second
	DefaultTelemetryTimeout = 5 * time.Second
	DefaultAckTimeout       = 10 * time.Second
	DefaultTick             = 1 * time.Second
)

type Timeouts struct {
	Identify  time.Duration
	Telemetry time.Duration
	Ack       time.Duration
	// idle pause between poll cycles when no command is pending
	Tick time.Duration
}

func (t *Timeouts) setDefaults() {
	if t.Identify <= 0 {
		t.Identify = DefaultIdentifyTimeout
	}
	if t.Telemetry <= 0 {
		t.Telemetry = DefaultTelemetryTimeout
	}
	if t.Ack <= 0 {
		t.Ack = DefaultAckTimeout
	}
	if t.Tick <= 0 {
		t.Tick = DefaultTick
	}
}

// binder serializes identity ownership between sessions, see Server.
type binder interface {
	bind(s *Session, online func() error) error
	release(s *Session, offline func() error) (bool, error)
}

type SessionOptions struct {
	Log      *log2.Log
	Registry store.Registry
	Commands store.Commands
	Events   events.Sink
	Timeouts Timeouts
	Stat     *SessionStat
	// closed on server shutdown, interrupts idle pause
	Stop <-chan struct{}
}

// Session runs device protocol over one channel:
// identify, then alternate telemetry poll and command delivery until any failure.
type Session struct {
	id       string
	ch       *Channel
	imei     string
	log      *log2.Log
	prefix   string
	registry store.Registry
	commands store.Commands
	events   events.Sink
	timeouts Timeouts
	stat     *SessionStat
	stop     <-chan struct{}
	binder   binder
}

func NewSession(ch *Channel, opt SessionOptions) *Session {
	opt.Timeouts.setDefaults()
	if opt.Events == nil {
		opt.Events = events.Noop{}
	}
	if opt.Stat == nil {
		opt.Stat = ch.stat
	}
	id := uuid.New().String()
	log := opt.Log.WithPrefix(fmt.Sprintf("session=%s remote=%s ", id[:8], addrString(ch.RemoteAddr())))
	ch.log = log
	return &Session{
		id:       id,
		ch:       ch,
		log:      log,
		prefix:   opt.Log.Prefix(),
		registry: opt.Registry,
		commands: opt.Commands,
		events:   opt.Events,
		timeouts: opt.Timeouts,
		stat:     opt.Stat,
		stop:     opt.Stop,
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) IMEI() string { return s.imei }

func (s *Session) String() string {
	return fmt.Sprintf("(session=%s imei=%s remote=%s)", s.id, s.imei, addrString(s.ch.RemoteAddr()))
}

// Run returns reason of termination. Channel is closed and, if identity
// was resolved, device is marked offline before Run returns.
func (s *Session) Run() (err error) {
	defer func() { s.terminate(err) }()

	if err = s.identify(); err != nil {
		return err
	}
	if err = s.register(); err != nil {
		return err
	}
	for {
		if err = s.pollTelemetry(); err != nil {
			return err
		}
		if err = s.pollCommand(); err != nil {
			return err
		}
	}
}

func (s *Session) identify() error {
	if err := s.ch.Send(device.MsgIdentify); err != nil {
		return errors.Annotate(err, "identify")
	}
	reply, err := s.ch.Receive(s.timeouts.Identify)
	if err != nil {
		return errors.Annotate(err, "identify")
	}
	reply = trimReply(reply)
	if !device.ValidIdentity(reply) {
		return errors.Annotatef(device.ErrInvalidIdentity, "reply=%q", clip(reply, 32))
	}
	s.imei = reply
	s.log.SetPrefix(fmt.Sprintf("%ssession=%s imei=%s ", s.prefix, s.id[:8], s.imei))
	return nil
}

func (s *Session) register() error {
	online := func() error {
		_, err := s.registry.UpsertOnline(s.imei)
		return errors.Annotate(err, "registry upsert")
	}
	var err error
	if s.binder != nil {
		err = s.binder.bind(s, online)
	} else {
		err = online()
	}
	if err != nil {
		return err
	}
	s.log.Infof("online")
	s.emit(events.Event{Kind: events.KindOnline})
	return nil
}

func (s *Session) pollTelemetry() error {
	if err := s.ch.Send(device.MsgGetInfo); err != nil {
		return errors.Annotate(err, "telemetry")
	}
	reply, err := s.ch.Receive(s.timeouts.Telemetry)
	if err != nil {
		return errors.Annotate(err, "telemetry")
	}
	reply = trimReply(reply)
	switch reply {
	case device.MsgNoUpdate, device.MsgNoUpdate2:
		return nil
	}

	patch, err := device.ParsePatch([]byte(reply))
	if err != nil {
		return errors.Annotatef(err, "telemetry reply=%q", clip(reply, 64))
	}
	if ignored := patch.Ignored(); len(ignored) != 0 {
		s.log.Debugf("telemetry ignore keys=%s", strings.Join(ignored, ","))
	}
	if err = s.registry.MergeUpdate(s.imei, patch); err != nil {
		return errors.Annotate(err, "registry merge")
	}
	s.stat.Telemetry.Add(1)
	if !patch.Empty() {
		s.emit(events.Event{Kind: events.KindTelemetry, Fields: patch.Map()})
	}
	return nil
}

func (s *Session) pollCommand() error {
	cmd, err := s.commands.Peek(s.imei)
	if err != nil {
		return errors.Annotate(err, "commands peek")
	}
	if cmd == nil {
		return s.idle()
	}

	if err = s.ch.Send(cmd.Text); err != nil {
		return errors.Annotatef(err, "command seq=%d", cmd.Seq)
	}
	reply, err := s.ch.Receive(s.timeouts.Ack)
	if err != nil {
		return errors.Annotatef(err, "command seq=%d ack", cmd.Seq)
	}
	reply = trimReply(reply)
	if reply != device.MsgAck {
		// command stays queued, next cycle retries
		s.log.Infof("command seq=%d text=%q ack mismatch reply=%q", cmd.Seq, cmd.Text, clip(reply, 32))
		return nil
	}
	if err = s.commands.Delete(*cmd); err != nil {
		return errors.Annotatef(err, "commands delete seq=%d", cmd.Seq)
	}
	s.log.Infof("command seq=%d text=%q delivered", cmd.Seq, cmd.Text)
	s.stat.Delivered.Add(1)
	s.emit(events.Event{Kind: events.KindCommand, Command: cmd.Text, Seq: cmd.Seq})
	return nil
}

func (s *Session) idle() error {
	t := time.NewTimer(s.timeouts.Tick)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-s.stop:
		return ErrClosing
	}
}

func (s *Session) terminate(reason error) {
	if reason == nil {
		reason = errors.New("session aborted")
	}
	if s.imei == "" {
		_ = s.ch.die(reason)
		s.log.Infof("terminated before identify err=%v", reason)
		return
	}

	offline := func() error {
		return errors.Annotate(s.registry.SetOffline(s.imei), "registry offline")
	}
	wrote := true
	var err error
	if s.binder != nil {
		wrote, err = s.binder.release(s, offline)
	} else {
		err = offline()
	}
	if err != nil {
		s.log.Errorf("terminate err=%v", errors.ErrorStack(err))
	}
	idle := s.ch.SinceLastRecv()
	_ = s.ch.die(reason)
	if !wrote {
		s.log.Infof("terminated, identity owned by newer session err=%v idle=%v", reason, idle)
		return
	}
	s.log.Infof("offline err=%v idle=%v", reason, idle)
	s.emit(events.Event{
		Kind:     events.KindOffline,
		Reason:   errors.Cause(reason).Error(),
		IdleMsec: idle.Milliseconds(),
	})
}

func (s *Session) emit(e events.Event) {
	e.IMEI = s.imei
	e.Session = s.id
	e.Time = time.Now().UTC()
	s.events.Emit(e)
}

// trimReply drops line terminators and spaces modems tend to add.
func trimReply(s string) string { return strings.TrimSpace(s) }

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
