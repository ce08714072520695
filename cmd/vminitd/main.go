package main

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"

	"github.com/banksean/vminitd/internal/logging"
)

// debugBuild is set via -ldflags at release build time, the same
// mechanism version.GitCommit/BuildTime use; unset (the debug default)
// means a plain `go build` gets the FOREGROUND re-exec behavior §6
// describes, and a release build opts out of it.
var debugBuild = "true"

// Context is handed to every subcommand's Run method, mirroring the
// teacher's cmd/sand/main.go Context/CLI split.
type Context struct {
	LogLevel string
}

type CLI struct {
	LogFile  string `default:"" placeholder:"<path>" help:"log file path; empty writes JSON logs to stderr"`
	LogLevel string `default:"info" help:"trace, debug, info, notice, warning, error, or critical"`

	Agent   AgentCmd   `cmd:"" help:"serve the control channel without repeating the boot mount sequence"`
	Init    InitCmd    `cmd:"" help:"run the boot sequence (mounts, self cgroup) then serve the control channel; the PID 1 entry point"`
	Pause   PauseCmd   `cmd:"" help:"hold a PID namespace open, reaping orphans, until signaled"`
	Version VersionCmd `cmd:"" help:"print version information about this binary"`
}

func isDebugBuild() bool {
	b, err := strconv.ParseBool(debugBuild)
	return err == nil && b
}

func main() {
	args := os.Args[1:]

	// Busybox-style shortcut: invoked as .cz-init with no explicit
	// subcommand, behave as `init`.
	if filepath.Base(os.Args[0]) == ".cz-init" {
		needsInit := true
		for _, a := range args {
			if a == "agent" || a == "init" || a == "pause" || a == "version" {
				needsInit = false
				break
			}
		}
		if needsInit {
			args = append([]string{"init"}, args...)
		}
	}

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Description("in-guest init-and-agent daemon for a micro-VM container runtime"),
		kong.Configuration(kongyaml.Loader, "/etc/vminitd.yaml"),
	)
	if err != nil {
		panic(err)
	}
	kongcompletion.Register(parser)

	kctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	logging.Init(logging.Options{
		LogFile: cli.LogFile,
		Level:   logging.ParseLevel(cli.LogLevel),
	})

	runErr := kctx.Run(&Context{LogLevel: cli.LogLevel})
	kctx.FatalIfErrorf(runErr)
}
