package devsim

import (
	"context"
	"fmt"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/cpxlink/cpxd/cmd/cpxd/subcmd"
	"github.com/cpxlink/cpxd/device"
	"github.com/cpxlink/cpxd/helpers/cli"
	"github.com/cpxlink/cpxd/state"
	"github.com/juju/errors"
)

const modName = "devsim"

const usage = `commands:
- set KEY VALUE    stage telemetry field for next GET_INFO
- raw PAYLOAD      send PAYLOAD verbatim on next GET_INFO
- autoack on|off   answer commands with OK automatically
- ack              answer last command with OK
- status           show staged telemetry
`

var Mod = subcmd.Mod{Name: modName, Usage: "ADDRESS IMEI interactive device simulator", SkipConfig: true, Main: Main}

func Main(ctx context.Context, config *state.Config, args []string) error {
	if err := subcmd.ExpectArgs(args, 2, 2, "devsim ADDRESS IMEI"); err != nil {
		return err
	}
	g := state.GetGlobal(ctx)
	sim, err := Dial(args[0], args[1], g.Log)
	if err != nil {
		return err
	}
	sim.OnCommand = func(text string) { fmt.Printf("\ncommand: %s\n", text) }
	go func() {
		err := sim.Run()
		g.Log.Infof("devsim disconnected: %v", err)
		g.Stop()
	}()

	fmt.Print(usage)
	// disconnect stops g, which ends prompt
	cli.MainLoop(modName, newExecutor(sim), newCompleter(), g.Alive.StopChan(), func() { _ = sim.Close() })
	return nil
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	verbs := []prompt.Suggest{
		{Text: "set", Description: "stage telemetry field"},
		{Text: "raw", Description: "stage raw telemetry payload"},
		{Text: "autoack", Description: "on|off"},
		{Text: "ack", Description: "acknowledge last command"},
		{Text: "status"},
	}
	fields := make([]prompt.Suggest, 0, len(device.FieldNames()))
	for _, name := range device.FieldNames() {
		fields = append(fields, prompt.Suggest{Text: name})
	}
	return func(d prompt.Document) []prompt.Suggest {
		words := strings.Fields(d.TextBeforeCursor())
		word := d.GetWordBeforeCursor()
		if len(words) == 0 || (len(words) == 1 && word != "") {
			return prompt.FilterHasPrefix(verbs, word, true)
		}
		if words[0] == "set" && (len(words) == 1 || (len(words) == 2 && word != "")) {
			return prompt.FilterHasPrefix(fields, word, true)
		}
		return nil
	}
}

func newExecutor(sim *Sim) func(string) {
	return func(line string) {
		if err := execLine(sim, line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func execLine(sim *Sim, line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	switch words[0] {
	case "set":
		if len(words) < 3 {
			return errors.NotValidf("usage: set KEY VALUE")
		}
		sim.Set(words[1], strings.Join(words[2:], " "))
	case "raw":
		sim.Stage(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "raw")))
	case "autoack":
		if len(words) != 2 || (words[1] != "on" && words[1] != "off") {
			return errors.NotValidf("usage: autoack on|off")
		}
		sim.SetAutoAck(words[1] == "on")
	case "ack":
		return sim.Ack()
	case "status":
		fmt.Println(sim.Status())
	default:
		return errors.NotSupportedf("command=%s", words[0])
	}
	return nil
}
