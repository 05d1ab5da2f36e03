package events

import (
	"fmt"
	"strings"
)

func TopicEvent(prefix, imei string, kind Kind) string {
	return fmt.Sprintf("%s/%s/%s", prefix, imei, kind)
}
func TopicCommand(prefix, imei string) string { return fmt.Sprintf("%s/%s/cmd", prefix, imei) }
func TopicCommandResult(prefix, imei string) string {
	return fmt.Sprintf("%s/%s/cmd/result", prefix, imei)
}
func TopicCommandSubscribe(prefix string) string { return prefix + "/+/cmd" }

// parseCommandTopic extracts imei from <prefix>/<imei>/cmd.
func parseCommandTopic(prefix, topic string) (string, bool) {
	rest := strings.TrimPrefix(topic, prefix+"/")
	if rest == topic || !strings.HasSuffix(rest, "/cmd") {
		return "", false
	}
	imei := strings.TrimSuffix(rest, "/cmd")
	if imei == "" || strings.Contains(imei, "/") {
		return "", false
	}
	return imei, true
}
