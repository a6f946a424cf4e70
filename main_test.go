package main

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestParseOptions_Defaults(t *testing.T) {
	opts, err := parseOptions(nil)
	if err != nil {
		t.Fatalf("parseOptions: %v", err)
	}
	if opts.chardev.Kind != ChardevStdio {
		t.Fatalf("default chardev %q, expected stdio", opts.chardev.Kind)
	}
	if opts.base != CUSTOM_UART_BASE {
		t.Fatalf("default base 0x%08X, expected 0x%08X", opts.base, CUSTOM_UART_BASE)
	}
	if opts.ramKiB*1024 != DEFAULT_RAM_SIZE {
		t.Fatalf("default RAM %d KiB", opts.ramKiB)
	}
	if opts.logMask != LogGuestError {
		t.Fatalf("default log mask 0x%X, expected guest_errors", opts.logMask)
	}
}

func TestParseOptions_Full(t *testing.T) {
	opts, err := parseOptions([]string{
		"-chardev", "tcp:127.0.0.1:4555",
		"-base", "0x70000000",
		"-mem", "128",
		"-script", "fw.lua",
		"-trace",
		"-d", "unimp",
		"-monitor", "/tmp/uart.sock",
	})
	if err != nil {
		t.Fatalf("parseOptions: %v", err)
	}
	if opts.chardev.Kind != ChardevTCP || opts.chardev.Addr != "127.0.0.1:4555" {
		t.Fatalf("chardev %+v", opts.chardev)
	}
	if opts.base != 0x70000000 {
		t.Fatalf("base 0x%08X, expected 0x70000000", opts.base)
	}
	if opts.ramKiB != 128 || opts.script != "fw.lua" || opts.monitor != "/tmp/uart.sock" {
		t.Fatalf("options %+v", opts)
	}
	if opts.logMask != LogUnimp|LogTrace {
		t.Fatalf("log mask 0x%X, expected unimp|trace", opts.logMask)
	}
}

func TestParseOptions_Errors(t *testing.T) {
	cases := [][]string{
		{"-chardev", "serial"},
		{"-base", "nothex"},
		{"-base", "0x100000000"},
		{"-mem", "0"},
		{"-mem", "999999"},
		{"-d", "verbose"},
		{"stray"},
		{"-nosuchflag"},
	}
	for _, args := range cases {
		if _, err := parseOptions(args); err == nil {
			t.Fatalf("parseOptions(%q) accepted bad input", args)
		}
	}
}

func TestParseOptions_Help(t *testing.T) {
	if _, err := parseOptions([]string{"-h"}); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("-h returned %v, expected flag.ErrHelp", err)
	}
}

func TestParseOptions_SendSkipsValidation(t *testing.T) {
	opts, err := parseOptions([]string{"-send", "inject:hi", "-monitor", "/tmp/m.sock", "-chardev", "bogus"})
	if err != nil {
		t.Fatalf("parseOptions: %v", err)
	}
	if opts.send != "inject:hi" {
		t.Fatalf("send %q", opts.send)
	}
}

func TestParseSendRequest(t *testing.T) {
	cases := []struct{ in, cmd, arg string }{
		{"ping", "ping", ""},
		{"inject:AT\r", "inject", "AT\r"},
		{"save:/tmp/a.cusnap", "save", "/tmp/a.cusnap"},
		{" status ", "status", ""},
		{"inject:a:b", "inject", "a:b"},
	}
	for _, tc := range cases {
		cmd, arg := parseSendRequest(tc.in)
		if cmd != tc.cmd || arg != tc.arg {
			t.Fatalf("parseSendRequest(%q) = %q,%q, expected %q,%q", tc.in, cmd, arg, tc.cmd, tc.arg)
		}
	}
}

func TestSendCommand_RequiresMonitor(t *testing.T) {
	if err := sendCommand(options{send: "ping"}); err == nil {
		t.Fatal("sendCommand without -monitor succeeded")
	}
}

func TestRun_ScriptEndStopsMonitor(t *testing.T) {
	dir := shortSocketDir(t)
	script := filepath.Join(dir, "fw.lua")
	if err := os.WriteFile(script, []byte("uart_write(UART_CONTROL, CTRL_TX_EN)\n"), 0644); err != nil {
		t.Fatal(err)
	}
	sock := filepath.Join(dir, "mon.sock")
	snap := filepath.Join(dir, "end.cusnap")

	err := run(options{
		chardev:      ChardevConfig{Kind: ChardevNull},
		base:         CUSTOM_UART_BASE,
		ramKiB:       DEFAULT_RAM_SIZE / 1024,
		script:       script,
		monitor:      sock,
		saveSnapshot: snap,
		logMask:      defaultLogMask,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatalf("monitor socket still present after run: %v", err)
	}
	if _, _, err := SendIPCCommand(sock, "ping", ""); err == nil {
		t.Fatal("monitor still answering after run returned")
	}
	saved, err := LoadSnapshotFromFile(snap)
	if err != nil {
		t.Fatalf("LoadSnapshotFromFile: %v", err)
	}
	if saved.UART.Control != CTRL_TX_EN {
		t.Fatalf("saved CONTROL 0x%X, expected 0x%X", saved.UART.Control, CTRL_TX_EN)
	}
}
