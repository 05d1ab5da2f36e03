// Package admin is one-shot store maintenance commands.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cpxlink/cpxd/cmd/cpxd/subcmd"
	"github.com/cpxlink/cpxd/device"
	"github.com/cpxlink/cpxd/link"
	"github.com/cpxlink/cpxd/state"
	"github.com/cpxlink/cpxd/store"
	"github.com/juju/errors"
)

var (
	ReconcileMod = subcmd.Mod{Name: "reconcile", Usage: "mark all devices offline, server must be stopped", Main: withStore(reconcile)}
	EnqueueMod   = subcmd.Mod{Name: "enqueue", Usage: "IMEI COMMAND... queue command for device, server must be stopped", Main: withStore(enqueue)}
	DumpMod      = subcmd.Mod{Name: "dump", Usage: "print devices and pending commands", Main: withStore(dump)}
)

type storeFunc func(s store.Store, g *state.Global, args []string, w io.Writer) error

func withStore(f storeFunc) func(context.Context, *state.Config, []string) error {
	return func(ctx context.Context, config *state.Config, args []string) error {
		g := state.GetGlobal(ctx)
		if err := g.Init(ctx, config); err != nil {
			_ = g.Close()
			return err
		}
		err := f(g.Store, g, args, os.Stdout)
		if cerr := g.Close(); err == nil {
			err = cerr
		}
		return err
	}
}

func reconcile(s store.Store, g *state.Global, args []string, w io.Writer) error {
	if err := subcmd.ExpectArgs(args, 0, 0, "reconcile"); err != nil {
		return err
	}
	n, err := link.Reconcile(s, g.Log)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "offline=%d\n", n)
	return nil
}

func enqueue(s store.Store, g *state.Global, args []string, w io.Writer) error {
	const usage = "enqueue IMEI COMMAND..."
	if err := subcmd.ExpectArgs(args, 2, -1, usage); err != nil {
		return err
	}
	imei, text := args[0], strings.Join(args[1:], " ")
	if !device.ValidIdentity(imei) {
		return errors.Annotatef(device.ErrInvalidIdentity, "imei=%s", imei)
	}
	if err := device.ValidCommand(text); err != nil {
		return err
	}
	cmd, err := s.Enqueue(imei, text)
	if err != nil {
		return errors.Annotate(err, "enqueue")
	}
	g.Log.Infof("enqueued %s", cmd.String())
	fmt.Fprintf(w, "seq=%d\n", cmd.Seq)
	return nil
}

type dumpOutput struct {
	Devices  []device.Device  `json:"devices"`
	Commands []device.Command `json:"commands"`
}

func dump(s store.Store, g *state.Global, args []string, w io.Writer) error {
	if err := subcmd.ExpectArgs(args, 0, 0, "dump"); err != nil {
		return err
	}
	var out dumpOutput
	var err error
	if out.Devices, err = s.List(); err != nil {
		return errors.Annotate(err, "dump devices")
	}
	if out.Commands, err = s.Pending(); err != nil {
		return errors.Annotate(err, "dump commands")
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
