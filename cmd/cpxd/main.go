package main

import (
	"fmt"
	"os"

	"github.com/cpxlink/cpxd/cmd/cpxd/admin"
	"github.com/cpxlink/cpxd/cmd/cpxd/devsim"
	"github.com/cpxlink/cpxd/cmd/cpxd/serve"
	"github.com/cpxlink/cpxd/cmd/cpxd/subcmd"
	"github.com/cpxlink/cpxd/log2"
	"github.com/cpxlink/cpxd/state"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"
)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	serve.Mod,
	admin.ReconcileMod,
	admin.EnqueueMod,
	admin.DumpMod,
	devsim.Mod,
}

func main() {
	log := log2.NewStderr(log2.LInfo)
	if subcmd.SdNotify("start") {
		// under systemd, journal adds timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}

	flagConfig := flag.StringP("config", "c", "cpxd.hcl", "config file")
	flagDebug := flag.Bool("debug", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: cpxd [-c config.hcl] [command] [args...]\ncommands:\n%s", subcmd.Usage(modules))
		flag.PrintDefaults()
	}
	flag.Parse()
	if *flagDebug {
		log.SetLevel(log2.LDebug)
	}

	command, args := serve.Mod.Name, []string(nil)
	if flag.NArg() > 0 {
		command, args = flag.Arg(0), flag.Args()[1:]
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		flag.Usage()
		log.Fatal(err)
	}

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	var config *state.Config
	if !mod.SkipConfig {
		config = state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	}

	log.Debugf("starting command %s", mod.Name)
	if err := mod.Main(ctx, config, args); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
