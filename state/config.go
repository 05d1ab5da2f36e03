package state

import (
	"path/filepath"
	"time"

	"github.com/cpxlink/cpxd/events"
	"github.com/cpxlink/cpxd/helpers"
	"github.com/cpxlink/cpxd/link"
	"github.com/cpxlink/cpxd/log2"
	"github.com/cpxlink/cpxd/store"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Listen struct {
		Address string `hcl:"address"`
		// negative = unlimited, 0 = default
		MaxSessions         int `hcl:"max_sessions"`
		ReadLimit           int `hcl:"read_limit"`
		IdentifyTimeoutSec  int `hcl:"identify_timeout_sec"`
		TelemetryTimeoutSec int `hcl:"telemetry_timeout_sec"`
		AckTimeoutSec       int `hcl:"ack_timeout_sec"`
		TickMsec            int `hcl:"tick_msec"`
	} `hcl:"listen"`
	Store  store.Config  `hcl:"store"`
	Events events.Config `hcl:"events"`
	Log    struct {
		Debug bool `hcl:"debug"`
	} `hcl:"log"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) ListenAddress() string {
	if c.Listen.Address == "" {
		return link.DefaultListen
	}
	return c.Listen.Address
}

// Timeouts converts listen section, zero values select session defaults.
func (c *Config) Timeouts() link.Timeouts {
	return link.Timeouts{
		Identify:  helpers.IntSecondDefault(c.Listen.IdentifyTimeoutSec, link.DefaultIdentifyTimeout),
		Telemetry: helpers.IntSecondDefault(c.Listen.TelemetryTimeoutSec, link.DefaultTelemetryTimeout),
		Ack:       helpers.IntSecondDefault(c.Listen.AckTimeoutSec, link.DefaultAckTimeout),
		Tick:      time.Duration(c.Listen.TickMsec) * time.Millisecond,
	}
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil && !source.Optional {
		*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig merges sources in order, later values overwrite earlier.
// Includes are resolved relative to directory of first name.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, errors.Annotate(err, "config")
		}
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
