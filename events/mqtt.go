package events

import (
	"fmt"
	"net/url"
	"time"

	"github.com/cpxlink/cpxd/helpers"
	"github.com/cpxlink/cpxd/log2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

const DefaultNetworkTimeout = 30 * time.Second

var ErrPublishTimeout = fmt.Errorf("mqtt publish timeout")

// Bridge is MQTT client, Publisher for outbox and source of ingress messages.
type Bridge struct {
	log       *log2.Log
	m         mqtt.Client
	timeout   time.Duration
	subscribe string
	onMessage func(topic string, payload []byte)
}

var _ Publisher = &Bridge{}

// NewBridge validates config and starts connecting in background.
// Network is not required to be available at start.
func NewBridge(c Config, log *log2.Log, onMessage func(topic string, payload []byte)) (*Bridge, error) {
	if _, err := url.ParseRequestURI(c.Broker); err != nil {
		return nil, errors.Annotatef(err, "mqtt broker=%s", c.Broker)
	}
	mqttLog := log.Clone(log2.LInfo)
	if c.LogDebug {
		mqttLog.SetLevel(log2.LDebug)
		mqtt.DEBUG = mqttLog
	}
	mqtt.ERROR = mqttLog
	mqtt.CRITICAL = mqttLog
	mqtt.WARN = mqttLog

	prefix := c.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	clientID := c.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	timeout := helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
	b := &Bridge{
		log:       log,
		timeout:   timeout,
		subscribe: TopicCommandSubscribe(prefix),
		onMessage: onMessage,
	}
	opt := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(clientID).
		SetUsername(c.Username).
		SetPassword(c.Password).
		SetCleanSession(false).
		SetKeepAlive(helpers.IntSecondDefault(c.KeepaliveSec, 60*time.Second)).
		SetPingTimeout(timeout).
		SetConnectTimeout(timeout).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost)
	b.m = mqtt.NewClient(opt)
	b.connect()
	return b, nil
}

func (b *Bridge) connect() {
	token := b.m.Connect()
	go func() {
		if token.Wait() && token.Error() != nil {
			b.log.Errorf("mqtt connect err=%v", token.Error())
		}
	}()
}

func (b *Bridge) Publish(topic string, payload []byte) error {
	if !b.m.IsConnected() {
		return errors.Errorf("mqtt not connected")
	}
	token := b.m.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(b.timeout) {
		return errors.Annotatef(ErrPublishTimeout, "topic=%s", topic)
	}
	return errors.Annotatef(token.Error(), "mqtt publish topic=%s", topic)
}

func (b *Bridge) Close() error {
	if b.onMessage != nil {
		token := b.m.Unsubscribe(b.subscribe)
		if token.WaitTimeout(time.Second) && token.Error() != nil {
			b.log.Errorf("mqtt unsubscribe err=%v", token.Error())
		}
	}
	b.m.Disconnect(250)
	return nil
}

func (b *Bridge) onConnect(c mqtt.Client) {
	b.log.Infof("mqtt connect")
	if b.onMessage == nil {
		return
	}
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		b.onMessage(msg.Topic(), msg.Payload())
	}
	go func() {
		if token := c.Subscribe(b.subscribe, 1, handler); token.Wait() && token.Error() != nil {
			b.log.Errorf("mqtt subscribe topic=%s err=%v", b.subscribe, token.Error())
		} else {
			b.log.Debugf("mqtt subscribe topic=%s", b.subscribe)
		}
	}()
}

func (b *Bridge) onConnectionLost(c mqtt.Client, err error) {
	b.log.Infof("mqtt disconnect err=%v", err)
}
