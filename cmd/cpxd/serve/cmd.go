package serve

import (
	"context"
	"expvar"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/cpxlink/cpxd/cmd/cpxd/subcmd"
	"github.com/cpxlink/cpxd/state"
	"github.com/juju/errors"
)

var Mod = subcmd.Mod{Name: "serve", Usage: "run device server (default)", Main: Main}

func Main(ctx context.Context, config *state.Config, args []string) error {
	if err := subcmd.ExpectArgs(args, 0, 0, "serve"); err != nil {
		return err
	}
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	if err := g.Serve(); err != nil {
		_ = g.Close()
		return errors.Annotate(err, "serve")
	}
	expvar.Publish("cpxd.sessions", g.Server.Stat())
	g.Log.Infof("serving address=%s", g.Server.Addr())
	subcmd.SdNotify(daemon.SdNotifyReady)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		g.Log.Infof("signal=%v shutting down", sig)
	case <-g.Alive.StopChan():
	case <-g.Server.Done():
		g.Log.Errorf("server stopped unexpectedly")
	}
	subcmd.SdNotify(daemon.SdNotifyStopping)
	return g.Close()
}
