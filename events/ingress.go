package events

import (
	"strings"

	"github.com/cpxlink/cpxd/device"
	"github.com/cpxlink/cpxd/log2"
	"github.com/cpxlink/cpxd/store"
	"github.com/juju/errors"
)

const ResultOK = "ok"

// Ingress turns messages on <prefix>/<imei>/cmd into queued commands.
// Outcome is reported to <prefix>/<imei>/cmd/result as "ok" or error text.
type Ingress struct {
	Log      *log2.Log
	Commands store.Commands
	Result   Publisher
	Prefix   string
}

func (in *Ingress) Handle(topic string, payload []byte) {
	imei, ok := parseCommandTopic(in.Prefix, topic)
	if !ok {
		in.Log.Errorf("ingress unexpected topic=%s payload=%q", topic, payload)
		return
	}
	result := ResultOK
	cmd, err := in.enqueue(imei, string(payload))
	if err != nil {
		in.Log.Infof("ingress imei=%s err=%v", imei, err)
		result = err.Error()
	} else {
		in.Log.Infof("ingress enqueued command=%s", cmd.String())
	}
	if in.Result == nil {
		return
	}
	if err = in.Result.Publish(TopicCommandResult(in.Prefix, imei), []byte(result)); err != nil {
		in.Log.Errorf("ingress result imei=%s err=%v", imei, err)
	}
}

func (in *Ingress) enqueue(imei, text string) (device.Command, error) {
	if !device.ValidIdentity(imei) {
		return device.Command{}, errors.Annotatef(device.ErrInvalidIdentity, "imei=%q", imei)
	}
	text = strings.TrimSpace(text)
	if err := device.ValidCommand(text); err != nil {
		return device.Command{}, err
	}
	return in.Commands.Enqueue(imei, text)
}
