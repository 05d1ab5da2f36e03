package link

import (
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cpxlink/cpxd/events"
	"github.com/cpxlink/cpxd/log2"
	"github.com/cpxlink/cpxd/store"
	"github.com/jpillora/backoff"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	DefaultListen      = ":37863"
	DefaultMaxSessions = 1000

	acceptRetryMin = 5 * time.Millisecond
	acceptRetryMax = time.Second
)

var ErrSameDevice = fmt.Errorf("imei overtake")

type ServerOptions struct {
	Log      *log2.Log
	Registry store.Registry
	Commands store.Commands
	Events   events.Sink
	Timeouts Timeouts
	// 0 = DefaultReadLimit
	ReadLimit int
	// negative = unlimited, 0 = DefaultMaxSessions
	MaxSessions int
}

// Server accepts device connections and runs one Session per connection.
// Identity is owned by at most one session: newer session for same IMEI
// closes older one, and only current owner may mark device offline.
type Server struct {
	alive    *alive.Alive
	log      *log2.Log
	opt      ServerOptions
	listener net.Listener
	closeErr error
	closed   sync.Once
	sessions struct {
		sync.Mutex
		all   map[*Session]struct{}
		bound map[string]*Session
	}
	stat SessionStat
}

func NewServer(opt ServerOptions) *Server {
	if opt.MaxSessions == 0 {
		opt.MaxSessions = DefaultMaxSessions
	}
	if opt.Events == nil {
		opt.Events = events.Noop{}
	}
	opt.Timeouts.setDefaults()
	s := &Server{
		alive: alive.NewAlive(),
		opt:   opt,
	}
	// sessions clone server log and share this hook
	s.log = opt.Log.WithPrefix("")
	s.log.SetErrorFunc(func(error) { s.stat.Errors.Add(1) })
	s.sessions.all = make(map[*Session]struct{})
	s.sessions.bound = make(map[string]*Session)
	return s
}

// Listen binds address and starts accept loop in background.
func (s *Server) Listen(addr string) error {
	if !s.alive.Add(1) {
		return errors.Errorf("Listen after Close")
	}
	ll, err := net.Listen("tcp", addr)
	if err != nil {
		s.alive.Done()
		return errors.Annotatef(err, "listen address=%s", addr)
	}
	s.serve(ll)
	return nil
}

// Serve starts accept loop on ll in background. Server takes ownership of ll.
func (s *Server) Serve(ll net.Listener) error {
	if !s.alive.Add(1) {
		return errors.Errorf("Serve after Close")
	}
	s.serve(ll)
	return nil
}

func (s *Server) serve(ll net.Listener) {
	s.listener = ll
	s.log.Infof("listen address=%s max_sessions=%d", addrString(ll.Addr()), s.opt.MaxSessions)
	go s.acceptLoop(ll)
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stat() *SessionStat { return &s.stat }

// Done is closed after Close and all sessions finished.
func (s *Server) Done() <-chan struct{} { return s.alive.WaitChan() }

// Close stops accepting, closes every channel and waits until sessions
// finish their offline writes.
func (s *Server) Close() error {
	s.closed.Do(func() {
		s.alive.Stop()
		if s.listener != nil {
			s.closeErr = errors.Annotate(s.listener.Close(), "listener close")
		}
		s.sessions.Lock()
		for sess := range s.sessions.all {
			_ = sess.ch.die(ErrClosing)
		}
		s.sessions.Unlock()
		s.alive.Wait()
		s.log.Infof("closed stat=%s", s.stat.String())
	})
	return s.closeErr
}

// Live returns number of running sessions.
func (s *Server) Live() int {
	s.sessions.Lock()
	defer s.sessions.Unlock()
	return len(s.sessions.all)
}

// Bound returns session currently owning imei.
func (s *Server) Bound(imei string) *Session {
	s.sessions.Lock()
	defer s.sessions.Unlock()
	return s.sessions.bound[imei]
}

func (s *Server) acceptLoop(ll net.Listener) {
	defer s.alive.Done() // one alive subtask for listener
	retry := backoff.Backoff{Min: acceptRetryMin, Max: acceptRetryMax, Factor: 2}
	for {
		conn, err := ll.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			// EMFILE, ENFILE, ECONNABORTED and such pass, listener is still usable
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				delay := retry.Duration()
				s.log.Errorf("accept listen=%s err=%v retry=%v", addrString(ll.Addr()), err, delay)
				select {
				case <-time.After(delay):
					continue
				case <-s.alive.StopChan():
					return
				}
			}
			s.log.Errorf("accept listen=%s err=%v", addrString(ll.Addr()), err)
			s.alive.Stop()
			return
		}
		retry.Reset()
		s.stat.Accepted.Add(1)

		ch := NewChannel(conn, ChannelOptions{
			Log:       s.log,
			Stat:      &s.stat,
			ReadLimit: s.opt.ReadLimit,
		})
		sess := NewSession(ch, SessionOptions{
			Log:      s.log,
			Registry: s.opt.Registry,
			Commands: s.opt.Commands,
			Events:   s.opt.Events,
			Timeouts: s.opt.Timeouts,
			Stat:     &s.stat,
			Stop:     s.alive.StopChan(),
		})
		sess.binder = s
		if !s.admit(sess) {
			s.stat.Rejected.Add(1)
			s.log.Infof("reject remote=%s live=%d max_sessions=%d", addrString(conn.RemoteAddr()), s.Live(), s.opt.MaxSessions)
			_ = ch.die(errors.New("max sessions"))
			continue
		}
		go s.processSession(sess)
	}
}

// admit registers session within cap and alive task accounting.
func (s *Server) admit(sess *Session) bool {
	s.sessions.Lock()
	defer s.sessions.Unlock()
	if s.opt.MaxSessions > 0 && len(s.sessions.all) >= s.opt.MaxSessions {
		return false
	}
	if !s.alive.Add(1) { // and one alive subtask for each session
		return false
	}
	s.sessions.all[sess] = struct{}{}
	s.stat.Live.Add(1)
	return true
}

func (s *Server) processSession(sess *Session) {
	defer s.alive.Done()
	defer func() {
		s.sessions.Lock()
		delete(s.sessions.all, sess)
		s.sessions.Unlock()
		s.stat.Live.Add(-1)
	}()
	defer func() {
		if x := recover(); x != nil {
			s.log.Errorf("session=%s panic=%v stack=%s", sess.ID(), x, debug.Stack())
		}
	}()

	err := sess.Run()
	s.log.Debugf("session=%s end err=%v", sess.ID(), err)
}

func (s *Server) bind(sess *Session, online func() error) error {
	s.sessions.Lock()
	defer s.sessions.Unlock()
	if !s.alive.IsRunning() {
		return ErrClosing
	}
	if err := online(); err != nil {
		return err
	}
	if ex, ok := s.sessions.bound[sess.imei]; ok && ex != sess {
		s.log.Infof("device overtake imei=%s ex=%s new=%s", sess.imei, addrString(ex.ch.RemoteAddr()), addrString(sess.ch.RemoteAddr()))
		s.stat.Overtaken.Add(1)
		_ = ex.ch.die(ErrSameDevice)
	}
	s.sessions.bound[sess.imei] = sess
	return nil
}

func (s *Server) release(sess *Session, offline func() error) (bool, error) {
	s.sessions.Lock()
	defer s.sessions.Unlock()
	if ex := s.sessions.bound[sess.imei]; ex != sess {
		return false, nil
	}
	delete(s.sessions.bound, sess.imei)
	return true, offline()
}
