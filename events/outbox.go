package events

import (
	"time"

	"github.com/cpxlink/cpxd/log2"
	"github.com/jpillora/backoff"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
)

// Publisher delivers payload to topic, returns after broker ack or error.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type OutboxOptions struct {
	Log         *log2.Log
	TopicPrefix string
	RetryMin    time.Duration
	RetryMax    time.Duration
}

// Outbox contract:
// - Emit blocks at most for disk write, network may be slow or absent
// - events are delivered at least once, in order unless delivery fails
// - failed event is moved to queue tail and retried after backoff
type Outbox struct {
	alive   *alive.Alive
	log     *log2.Log
	q       *spq.Queue
	pub     Publisher
	prefix  string
	backoff backoff.Backoff
}

var _ Sink = &Outbox{}

func NewOutbox(path string, pub Publisher, opt OutboxOptions) (*Outbox, error) {
	if path == "" {
		return nil, errors.NotValidf("outbox queue path=empty")
	}
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotate(err, "outbox queue")
	}
	if opt.TopicPrefix == "" {
		opt.TopicPrefix = DefaultTopicPrefix
	}
	o := &Outbox{
		alive:  alive.NewAlive(),
		log:    opt.Log,
		q:      q,
		pub:    pub,
		prefix: opt.TopicPrefix,
		backoff: backoff.Backoff{
			Min:    opt.RetryMin,
			Max:    opt.RetryMax,
			Factor: 2,
			Jitter: true,
		},
	}
	if o.backoff.Min <= 0 {
		o.backoff.Min = time.Second
	}
	if o.backoff.Max < o.backoff.Min {
		o.backoff.Max = o.backoff.Min * 60
	}
	o.alive.Add(1)
	go o.worker()
	return o, nil
}

func (o *Outbox) Emit(e Event) {
	if err := o.q.MarshalPush(&e); err != nil {
		o.log.Errorf("outbox push event=%s err=%v", e.String(), err)
	}
}

// Close stops delivery. Undelivered events stay in queue for next start.
func (o *Outbox) Close() error {
	o.alive.Stop()
	err := o.q.Close()
	o.alive.Wait()
	return errors.Annotate(err, "outbox close")
}

func (o *Outbox) worker() {
	defer o.alive.Done()
	for {
		box, err := o.q.Peek()
		switch err {
		case nil: // success path
			if o.handle(&box) {
				err = o.q.Delete(box)
			} else {
				err = o.q.DeletePush(box)
				o.sleep(o.backoff.Duration())
			}
			if err != nil && o.alive.IsRunning() {
				o.log.Errorf("outbox queue update err=%v", err)
			}

		case spq.ErrClosed:
			if o.alive.IsRunning() {
				o.log.Errorf("CRITICAL outbox queue closed unexpectedly")
			}
			return

		default:
			o.log.Errorf("CRITICAL outbox queue err=%v", err)
			o.sleep(o.backoff.Duration())
		}
		if !o.alive.IsRunning() {
			return
		}
	}
}

// handle returns true when box should be deleted.
func (o *Outbox) handle(box *spq.Box) bool {
	var e Event
	if err := box.Unmarshal(&e); err != nil {
		o.log.Errorf("outbox drop undecodable b=%x err=%v", box.Bytes(), err)
		return true // retry will not help
	}
	topic := TopicEvent(o.prefix, e.IMEI, e.Kind)
	if err := o.pub.Publish(topic, box.Bytes()); err != nil {
		o.log.Errorf("outbox publish topic=%s err=%v", topic, err)
		return false
	}
	o.log.Debugf("outbox delivered topic=%s", topic)
	o.backoff.Reset()
	return true
}

func (o *Outbox) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-o.alive.StopChan():
	}
}
