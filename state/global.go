package state

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cpxlink/cpxd/events"
	"github.com/cpxlink/cpxd/helpers"
	"github.com/cpxlink/cpxd/link"
	"github.com/cpxlink/cpxd/log2"
	"github.com/cpxlink/cpxd/store"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log
	Store        store.Store
	Events       events.Relay
	Server       *link.Server

	closeOnce sync.Once
	closeErr  error
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	return context.WithValue(context.Background(), ContextKey, g), g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// Init opens storage and event relay.
// If `Init` fails, consider `Global` is in broken state, only Close is safe.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if cfg.Log.Debug {
		g.Log.SetLevel(log2.LDebug)
	}
	g.Log.Infof("build version=%s", g.BuildVersion)

	st, err := store.Open(cfg.Store, g.Log)
	if err != nil {
		return errors.Annotate(err, "store init")
	}
	g.Store = st

	relay, err := events.Start(cfg.Events, g.Store, g.Log)
	if err != nil {
		return errors.Annotate(err, "events init")
	}
	g.Events = relay
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	if err := g.Init(ctx, cfg); err != nil {
		g.Fatal(err)
	}
}

// Serve resets stale online flags, then starts accepting device connections.
// Reconcile must finish before first session registers.
func (g *Global) Serve() error {
	if _, err := link.Reconcile(g.Store, g.Log); err != nil {
		return err
	}
	g.Server = link.NewServer(link.ServerOptions{
		Log:         g.Log,
		Registry:    g.Store,
		Commands:    g.Store,
		Events:      g.Events,
		Timeouts:    g.Config.Timeouts(),
		ReadLimit:   g.Config.Listen.ReadLimit,
		MaxSessions: g.Config.Listen.MaxSessions,
	})
	if err := g.Server.Listen(g.Config.ListenAddress()); err != nil {
		return errors.Annotate(err, "listen")
	}
	return nil
}

func (g *Global) Stop() { g.Alive.Stop() }

// Close shuts down in dependency order: sessions still write registry
// and emit events while server is closing.
func (g *Global) Close() error {
	g.closeOnce.Do(func() {
		g.Alive.Stop()
		errs := make([]error, 0, 3)
		if g.Server != nil {
			errs = append(errs, g.Server.Close())
		}
		if g.Events != nil {
			errs = append(errs, g.Events.Close())
		}
		if g.Store != nil {
			errs = append(errs, g.Store.Close())
		}
		g.closeErr = helpers.FoldErrors(errs)
	})
	return g.closeErr
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(errors.ErrorStack(err))
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		done := make(chan struct{})
		go func() { _ = g.Close(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		g.Log.Fatal(err)
		os.Exit(1)
	}
}
