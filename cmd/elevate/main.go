// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// elevate runs a command as another user under full terminal and
// signal supervision.
//
// Usage:
//
//	elevate [flags] <command> [args...]
//
// Policy evaluation, authentication, and environment sanitization are
// the caller's responsibility; elevate takes an already-authorized
// command and target identity and supervises its execution.
package main

import (
	"fmt"
	"log/slog"
	"os"
	osexec "os/exec"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/elevate-foundation/elevate/exec"
	"github.com/elevate-foundation/elevate/lib/config"
	"github.com/elevate-foundation/elevate/lib/process"
	"github.com/elevate-foundation/elevate/lib/version"
)

func main() {
	logger := newLogger()

	// The supervisor re-executes this binary for its helper processes;
	// route them before any flag parsing.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case exec.MonitorCommand:
			if err := exec.Monitor(logger.With("process", "monitor")); err != nil {
				process.Fatal(err)
			}
			return
		case exec.StageCommand:
			if err := exec.Stage(logger.With("process", "stage")); err != nil {
				process.Fatal(err)
			}
			return
		}
	}

	flags := pflag.NewFlagSet("elevate", pflag.ContinueOnError)
	// Everything after the command name belongs to the command.
	flags.SetInterspersed(false)
	targetUser := flags.StringP("user", "u", "root", "run the command as this user")
	targetGroup := flags.StringP("group", "g", "", "run the command with this primary group")
	chdir := flags.StringP("chdir", "D", "", "change to this directory before running the command")
	login := flags.BoolP("login", "i", false, "run a login shell: '-' argv[0] and the target user's home directory")
	noPty := flags.Bool("no-pty", false, "run the command on the invoking terminal instead of a fresh pty")
	noExec := flags.Bool("noexec", false, "prevent the command from executing further programs")
	showVersion := flags.BoolP("version", "V", false, "print the version and exit")
	flags.Usage = printUsage

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		process.Fatal(err)
	}
	if *showVersion {
		fmt.Printf("elevate %s\n", version.Info())
		return
	}
	if flags.NArg() == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		process.Fatal(err)
	}
	if cfg.LogLevel == "debug" {
		logger = debugLogger(logger)
	}

	options, err := buildOptions(flags.Args(), *targetUser, *targetGroup, *chdir, *login, cfg)
	if err != nil {
		process.Fatal(err)
	}
	if *noPty {
		options.UsePTY = false
	}
	if *noExec {
		options.NoExec = true
	}
	options.Logger = logger

	reason, err := exec.Run(options)
	if err != nil {
		process.Fatal(err)
	}
	logger.Debug("command finished", "reason", reason.String())

	// Mirror the command's fate so the invoking shell cannot tell the
	// difference from running it directly.
	if signal, ok := reason.Signal(); ok {
		process.MirrorSignal(signal)
	}
	code, _ := reason.Code()
	process.ExitCode(code)
}

// buildOptions resolves the command path and target identity into the
// supervisor's decision record.
func buildOptions(args []string, targetUser, targetGroup, chdir string, login bool, cfg config.Config) (exec.Options, error) {
	path, err := osexec.LookPath(args[0])
	if err != nil {
		return exec.Options{}, fmt.Errorf("%s: command not found", args[0])
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return exec.Options{}, fmt.Errorf("resolve %s: %w", args[0], err)
	}

	target, err := user.Lookup(targetUser)
	if err != nil {
		return exec.Options{}, fmt.Errorf("unknown user %s: %w", targetUser, err)
	}
	uid, err := strconv.ParseUint(target.Uid, 10, 32)
	if err != nil {
		return exec.Options{}, fmt.Errorf("parse uid for %s: %w", targetUser, err)
	}
	gid, err := strconv.ParseUint(target.Gid, 10, 32)
	if err != nil {
		return exec.Options{}, fmt.Errorf("parse gid for %s: %w", targetUser, err)
	}
	if targetGroup != "" {
		group, err := user.LookupGroup(targetGroup)
		if err != nil {
			return exec.Options{}, fmt.Errorf("unknown group %s: %w", targetGroup, err)
		}
		gid, err = strconv.ParseUint(group.Gid, 10, 32)
		if err != nil {
			return exec.Options{}, fmt.Errorf("parse gid for %s: %w", targetGroup, err)
		}
	}
	groupIDs, err := target.GroupIds()
	if err != nil {
		return exec.Options{}, fmt.Errorf("supplementary groups for %s: %w", targetUser, err)
	}
	groups := make([]uint32, 0, len(groupIDs))
	for _, id := range groupIDs {
		parsed, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(parsed))
	}

	options := exec.Options{
		Path:   path,
		Args:   append([]string{path}, args[1:]...),
		UID:    uint32(uid),
		GID:    uint32(gid),
		Groups: groups,
		// Identity changes need privilege; without it the supervisor
		// still works for the invoking user.
		SetIdentity: os.Geteuid() == 0,
		UsePTY:      cfg.UsePTY,
		NoExec:      cfg.NoExec,
		TTYGroup:    cfg.TTYGroup,
	}

	if umask, set, err := cfg.UmaskBits(); err != nil {
		return exec.Options{}, err
	} else if set {
		options.Umask = umask
		options.SetUmask = true
	}

	if login {
		options.Arg0 = "-" + filepath.Base(path)
		options.Dir = target.HomeDir
	}
	if chdir != "" {
		options.Dir = chdir
		options.DirRequired = true
	}
	return options, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("ELEVATE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	// One run id across the controller, monitor, and stage processes,
	// so their interleaved debug streams can be told apart per run.
	runID := os.Getenv("ELEVATE_RUN_ID")
	if runID == "" {
		runID = uuid.NewString()
		os.Setenv("ELEVATE_RUN_ID", runID)
	}
	return logger.With("run", runID)
}

func debugLogger(logger *slog.Logger) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})).With("run", os.Getenv("ELEVATE_RUN_ID"))
}

func printUsage() {
	fmt.Print(`elevate - run a command as another user under terminal supervision

USAGE
    elevate [flags] <command> [args...]

FLAGS
    -u, --user <name>    Target user (default: root)
    -g, --group <name>   Target primary group
    -D, --chdir <dir>    Working directory for the command (failure is fatal)
    -i, --login          Login shell: '-' argv[0], start in the target's home
        --no-pty         Keep the command on the invoking terminal
        --noexec         Deny the command any further exec
    -V, --version        Print the version and exit

ENVIRONMENT
    ELEVATE_CONFIG  Path to the configuration file (default: /etc/elevate/config.yaml)
    ELEVATE_DEBUG   Enable debug logging

The command's exit code is mirrored exactly; a command killed by a
signal kills elevate with the same signal.
`)
}
