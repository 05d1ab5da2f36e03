package events

import (
	"time"

	"github.com/cpxlink/cpxd/helpers"
	"github.com/cpxlink/cpxd/log2"
	"github.com/cpxlink/cpxd/store"
	"github.com/juju/errors"
)

// Relay is Sink with background delivery that must be closed.
type Relay interface {
	Sink
	Close() error
}

func (Noop) Close() error { return nil }

type mqttRelay struct {
	*Outbox
	bridge *Bridge
}

func (r *mqttRelay) Close() error {
	errs := []error{r.Outbox.Close(), r.bridge.Close()}
	return helpers.FoldErrors(errs)
}

// Start returns Noop when events are disabled.
// Otherwise connects MQTT bridge, opens outbox queue and subscribes to command ingress.
func Start(c Config, commands store.Commands, log *log2.Log) (Relay, error) {
	if !c.Enable {
		log.Debugf("events disabled")
		return Noop{}, nil
	}
	if c.QueuePath == "" {
		return nil, errors.NotValidf("events enabled but queue_path=empty")
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	ingress := &Ingress{Log: log, Commands: commands, Prefix: c.TopicPrefix}
	bridge, err := NewBridge(c, log, ingress.Handle)
	if err != nil {
		return nil, errors.Annotate(err, "events")
	}
	ingress.Result = bridge
	outbox, err := NewOutbox(c.QueuePath, bridge, OutboxOptions{
		Log:         log,
		TopicPrefix: c.TopicPrefix,
		RetryMin:    helpers.IntSecondDefault(c.RetryMinSec, time.Second),
		RetryMax:    helpers.IntSecondDefault(c.RetryMaxSec, time.Minute),
	})
	if err != nil {
		_ = bridge.Close()
		return nil, errors.Annotate(err, "events")
	}
	log.Infof("events broker=%s prefix=%s queue=%s", c.Broker, c.TopicPrefix, c.QueuePath)
	return &mqttRelay{Outbox: outbox, bridge: bridge}, nil
}
