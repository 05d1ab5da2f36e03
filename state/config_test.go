package state

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cpxlink/cpxd/link"
	"github.com/cpxlink/cpxd/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Global)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, g *Global) {
			assert.Equal(t, link.DefaultListen, g.Config.ListenAddress())
			tt := g.Config.Timeouts()
			assert.Equal(t, link.DefaultIdentifyTimeout, tt.Identify)
			assert.Equal(t, link.DefaultTelemetryTimeout, tt.Telemetry)
			assert.Equal(t, link.DefaultAckTimeout, tt.Ack)
			assert.Equal(t, time.Duration(0), tt.Tick)
			assert.NotNil(t, g.Store)
			assert.NotNil(t, g.Events)
		}, ""},

		{"listen", `
listen {
	address = "127.0.0.1:9000"
	max_sessions = -1
	read_limit = 4096
	identify_timeout_sec = 3
	ack_timeout_sec = 20
	tick_msec = 250
}`,
			func(t testing.TB, g *Global) {
				assert.Equal(t, "127.0.0.1:9000", g.Config.ListenAddress())
				assert.Equal(t, -1, g.Config.Listen.MaxSessions)
				assert.Equal(t, 4096, g.Config.Listen.ReadLimit)
				tt := g.Config.Timeouts()
				assert.Equal(t, 3*time.Second, tt.Identify)
				assert.Equal(t, link.DefaultTelemetryTimeout, tt.Telemetry)
				assert.Equal(t, 20*time.Second, tt.Ack)
				assert.Equal(t, 250*time.Millisecond, tt.Tick)
			}, ""},

		{"events-section", `
events {
	enable = false
	broker = "tcp://mq:1883"
	topic_prefix = "site7"
}`,
			func(t testing.TB, g *Global) {
				assert.Equal(t, "tcp://mq:1883", g.Config.Events.Broker)
				assert.Equal(t, "site7", g.Config.Events.TopicPrefix)
			}, ""},

		{"log-debug", `log { debug = true }`, func(t testing.TB, g *Global) {
			assert.True(t, g.Log.Enabled(log2.LDebug))
		}, ""},

		{"include-normalize", `
listen { max_sessions = 1 }
include "./empty" {}`,
			func(t testing.TB, g *Global) {
				assert.Equal(t, 1, g.Config.Listen.MaxSessions)
			}, ""},

		{"include-optional", `
include "max-sessions-7" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, g *Global) {
				assert.Equal(t, 7, g.Config.Listen.MaxSessions)
			}, ""},

		{"include-overwrites", `
listen { max_sessions = 1 }
include "max-sessions-7" {}`,
			func(t testing.TB, g *Global) {
				assert.Equal(t, 7, g.Config.Listen.MaxSessions)
			}, ""},

		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-store-driver", `store { driver = "redis" }`, nil, "store driver=redis not supported"},
		{"error-store-leveldb-path", `store { driver = "leveldb" }`, nil, "path=empty not valid"},
		{"error-events-queue", `events { enable = true broker = "tcp://127.0.0.1:1" }`, nil, "queue_path=empty not valid"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LInfo)
			ctx, g := NewContext(log)
			defer g.Close()

			fs := NewMockFullReader(map[string]string{
				"test-inline":    c.input,
				"empty":          "",
				"max-sessions-7": "listen { max_sessions = 7 }",
				"include-loop":   `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if err == nil {
				err = g.Init(ctx, cfg)
			}
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, g)
				}
			} else {
				require.Error(t, err)
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		})
	}
}

func TestGlobalServe(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	ctx, g := NewContext(log)
	fs := NewMockFullReader(map[string]string{
		"test-inline": `listen { address = "127.0.0.1:0" tick_msec = 10 }`,
	})
	g.MustInit(ctx, MustReadConfig(log, fs, "test-inline"))
	assert.Equal(t, g, GetGlobal(ctx))

	_, err := g.Store.UpsertOnline("123456789012345")
	require.NoError(t, err)
	require.NoError(t, g.Serve())

	d, err := g.Store.Get("123456789012345")
	require.NoError(t, err)
	assert.False(t, d.Online, "serve must reconcile before accepting")

	conn, err := net.Dial("tcp", g.Server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ID_SUPPLICANT", string(buf[:n]))

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	select {
	case <-g.Server.Done():
	default:
		t.Fatal("server still running after Close")
	}
}

func TestOsFullReader(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	_, err := ReadConfig(log, NewOsFullReader(), t.TempDir()+"/missing.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config required name=missing.hcl")
}

func TestFunctionalBundled(t *testing.T) {
	// not Parallel
	t.Logf("this test needs OS open|read|stat access to file `../cpxd.hcl`")

	log := log2.NewTest(t, log2.LDebug)
	c := MustReadConfig(log, NewOsFullReader(), "../cpxd.hcl")
	assert.Equal(t, ":37863", c.ListenAddress())
	assert.Equal(t, "leveldb", c.Store.Driver)
	assert.Equal(t, link.DefaultTelemetryTimeout, c.Timeouts().Telemetry)
	assert.Equal(t, time.Second, c.Timeouts().Tick)
	assert.False(t, c.Events.Enable)
}
