// main.go - Main entry point for the custom UART emulator

/*
 ██▓ ███▄    █ ▄▄▄█████▓ █    ██  ██▓▄▄▄█████▓ ██▓ ▒█████   ███▄    █    ▓█████  ███▄    █   ▄████  ██▓ ███▄    █ ▓█████
▓██▒ ██ ▀█   █ ▓  ██▒ ▓▒ ██  ▓██▒▓██▒▓  ██▒ ▓▒▓██▒▒██▒  ██▒ ██ ▀█   █    ▓█   ▀  ██ ▀█   █  ██▒ ▀█▒▓██▒ ██ ▀█   █ ▓█   ▀
▒██▒▓██  ▀█ ██▒▒ ▓██░ ▒░▓██  ▒██░▒██▒▒ ▓██░ ▒░▒██▒▒██░  ██▒▓██  ▀█ ██▒   ▒███   ▓██  ▀█ ██▒▒██░▄▄▄░▒██▒▓██  ▀█ ██▒▒███
░██░▓██▒  ▐▌██▒░ ▓██▓ ░ ▓▓█  ░██░░██░░ ▓██▓ ░ ░██░▒██   ██░▓██▒  ▐▌██▒   ▒▓█  ▄ ▓██▒  ▐▌██▒░▓█  ██▓░██░▓██▒  ▐▌██▒▒▓█  ▄
░██░▒██░   ▓██░  ▒██▒ ░ ▒▒█████▓ ░██░  ▒██▒ ░ ░██░░ ████▓▒░▒██░   ▓██░   ░▒████▒▒██░   ▓██░░▒▓███▀▒░██░▒██░   ▓██░░▒████▒
░▓  ░ ▒░   ▒ ▒   ▒ ░░   ░▒▓▒ ▒ ▒ ░▓    ▒ ░░   ░▓  ░ ▒░▒░▒░ ░ ▒░   ▒ ▒    ░░ ▒░ ░░ ▒░   ▒ ▒  ░▒   ▒ ░▓  ░ ▒░   ▒ ▒ ░░ ▒░ ░
 ▒ ░░ ░░   ░ ▒░    ░    ░░▒░ ░ ░  ▒ ░    ░     ▒ ░  ░ ▒ ▒░ ░ ░░   ░ ▒░    ░ ░  ░░ ░░   ░ ▒░  ░   ░  ▒ ░░ ░░   ░ ▒░ ░ ░  ░
 ▒ ░   ░   ░ ░   ░       ░░░ ░ ░  ▒ ░  ░       ▒ ░░ ░ ░ ▒     ░   ░ ░       ░      ░   ░ ░ ░ ░   ░  ▒ ░   ░   ░ ░    ░
 ░           ░             ░      ░            ░      ░ ░           ░       ░  ░         ░       ░  ░           ░    ░  ░

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/IntuitionEngine
License: GPLv3 or later
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
)

const maxRAMKiB = 256 * 1024

func boilerPlate() {
	fmt.Println("\n\033[38;2;255;20;147mCustom UART\033[0m - a memory-mapped serial port on a bare machine bus")
	fmt.Println("(c) 2024 - 2026 Zayn Otley")
	fmt.Println("https://github.com/IntuitionAmiga/IntuitionEngine")
	fmt.Println("License: GPLv3 or later")
}

// options are the parsed command line.
type options struct {
	chardev      ChardevConfig
	base         uint32
	ramKiB       int
	script       string
	loadSnapshot string
	saveSnapshot string
	monitor      string
	send         string
	trace        bool
	logMask      LogMask
	features     bool
	quiet        bool
}

// parseOptions parses args (without the program name).
func parseOptions(args []string) (options, error) {
	var (
		opts     options
		chardev  string
		base     string
		logNames string
	)

	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&chardev, "chardev", "stdio", "Backend: null, stdio, loopback, vc, file:OUT[,in=IN], unix:PATH, tcp:HOST:PORT")
	flagSet.StringVar(&base, "base", fmt.Sprintf("0x%08x", CUSTOM_UART_BASE), "UART base address (hex or decimal)")
	flagSet.IntVar(&opts.ramKiB, "mem", DEFAULT_RAM_SIZE/1024, "Guest RAM in KiB mapped at address 0")
	flagSet.StringVar(&opts.script, "script", "", "Lua guest program to run against the bus")
	flagSet.StringVar(&opts.loadSnapshot, "load-snapshot", "", "Restore machine state from file at startup")
	flagSet.StringVar(&opts.saveSnapshot, "save-snapshot", "", "Write machine state to file on exit")
	flagSet.StringVar(&opts.monitor, "monitor", "", "Unix socket path for the control socket")
	flagSet.StringVar(&opts.send, "send", "", "Send CMD[:ARG] to the instance at -monitor and exit")
	flagSet.BoolVar(&opts.trace, "trace", false, "Trace every UART register access")
	flagSet.StringVar(&logNames, "d", "guest_errors", "Log categories: guest_errors,trace,unimp (or all, none)")
	flagSet.BoolVar(&opts.features, "features", false, "Print compiled features and exit")
	flagSet.BoolVar(&opts.quiet, "quiet", false, "Skip the startup banner")

	flagSet.Usage = func() {
		flagSet.SetOutput(os.Stdout)
		fmt.Println("Usage: ./customuart [-chardev stdio] [-base 0x60000000] [-script prog.lua] [-monitor /tmp/uart.sock]")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			flagSet.Usage()
		}
		return opts, err
	}
	if flagSet.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument %q", flagSet.Arg(0))
	}
	if opts.features || opts.send != "" {
		return opts, nil
	}

	cfg, err := ParseChardevSpec(chardev)
	if err != nil {
		return opts, err
	}
	opts.chardev = cfg

	b, err := strconv.ParseUint(base, 0, 32)
	if err != nil {
		return opts, fmt.Errorf("invalid -base %q: %w", base, err)
	}
	opts.base = uint32(b)

	if opts.ramKiB <= 0 || opts.ramKiB > maxRAMKiB {
		return opts, fmt.Errorf("-mem must be between 1 and %d KiB", maxRAMKiB)
	}

	mask, err := ParseLogMask(logNames)
	if err != nil {
		return opts, err
	}
	if opts.trace {
		mask |= LogTrace
	}
	opts.logMask = mask
	return opts, nil
}

// parseSendRequest splits "CMD[:ARG]".
func parseSendRequest(s string) (cmd, arg string) {
	cmd, arg, _ = strings.Cut(s, ":")
	return strings.TrimSpace(cmd), arg
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if opts.features {
		printFeatures()
		return
	}
	if opts.send != "" {
		if err := sendCommand(opts); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if !opts.quiet {
		boilerPlate()
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func sendCommand(opts options) error {
	if opts.monitor == "" {
		return fmt.Errorf("-send requires -monitor PATH")
	}
	cmd, arg := parseSendRequest(opts.send)
	msg, data, err := SendIPCCommand(opts.monitor, cmd, arg)
	if err != nil {
		return err
	}
	if msg != "" {
		fmt.Println(msg)
	}
	if len(data) > 0 {
		var pretty map[string]any
		if json.Unmarshal(data, &pretty) == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Println(string(data))
		}
	}
	return nil
}

// Optional capabilities of interactive backends.
type (
	quitNotifier interface{ OnQuit(fn func()) }
	resetBinder  interface{ SetHardResetHandler(fn func()) }
	statusBinder interface {
		SetStatusSource(fn func() ConsoleStatus)
	}
)

func run(opts options) error {
	log := NewGuestLog()
	log.SetMask(opts.logMask)

	m, err := NewMachine(MachineConfig{
		RAMSize:  opts.ramKiB * 1024,
		UARTBase: opts.base,
		Chardev:  opts.chardev,
		Log:      log,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if q, ok := m.Backend.(quitNotifier); ok {
		q.OnQuit(cancel)
	}
	if r, ok := m.Backend.(resetBinder); ok {
		r.SetHardResetHandler(m.HardReset)
	}
	if s, ok := m.Backend.(statusBinder); ok {
		s.SetStatusSource(m.ConsoleStatus)
	}

	if opts.loadSnapshot != "" {
		if err := m.LoadSnapshot(opts.loadSnapshot); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Restored machine state from %s\n", opts.loadSnapshot)
	}

	// The monitor, the guest script and the backend share one lifetime: the
	// first to fail, a signal, or the end of the script stops them all.
	g, gctx := errgroup.WithContext(ctx)
	if opts.monitor != "" {
		ipc, err := NewIPCServer(opts.monitor, m)
		if err != nil {
			return err
		}
		ipc.Start()
		g.Go(func() error {
			<-gctx.Done()
			ipc.Stop()
			return nil
		})
	}
	if opts.script != "" {
		g.Go(func() error {
			err := NewGuestScript(m, os.Stderr).RunFile(gctx, opts.script)
			if err == nil || errors.Is(err, context.Canceled) {
				// The guest program finished: the machine has nothing left to run.
				cancel()
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return m.Close()
	})
	runErr := g.Wait()

	if opts.saveSnapshot != "" {
		if err := m.SaveSnapshot(opts.saveSnapshot); err != nil {
			return errors.Join(runErr, err)
		}
		fmt.Fprintf(os.Stderr, "Saved machine state to %s\n", opts.saveSnapshot)
	}
	return runErr
}
