package events

const (
	DefaultTopicPrefix = "cpx"
	DefaultClientID    = "cpxd"
)

type Config struct {
	Enable            bool   `hcl:"enable"`
	Broker            string `hcl:"broker"` // tcp://host:1883
	ClientID          string `hcl:"client_id"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"`
	TopicPrefix       string `hcl:"topic_prefix"`
	QueuePath         string `hcl:"queue_path"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	RetryMinSec       int    `hcl:"retry_min_sec"`
	RetryMaxSec       int    `hcl:"retry_max_sec"`
	LogDebug          bool   `hcl:"log_debug"`
}
