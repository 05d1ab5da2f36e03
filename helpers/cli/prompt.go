package cli

import (
	"bufio"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop runs interactive prompt on terminal, otherwise executes stdin line by line.
// Closed stop or signal terminates process, prompt does not return by itself.
// onExit runs once on signal, stop or end of input.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest, stop <-chan struct{}, onExit func()) {
	var once sync.Once
	exit := func() { once.Do(onExit) }

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() { os.Exit(watch(signalCh, stop, exit)) }()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
	} else {
		ExecLines(os.Stdin, exec)
	}
	exit()
}

// watch blocks until signal or stop, runs onExit and returns process exit code.
func watch(signalCh <-chan os.Signal, stop <-chan struct{}, onExit func()) int {
	code := 0
	select {
	case <-signalCh:
		code = 1
	case <-stop:
	}
	onExit()
	return code
}

// ExecLines feeds trimmed non-empty lines of r to exec.
func ExecLines(r io.Reader, exec func(line string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			exec(line)
		}
	}
}
