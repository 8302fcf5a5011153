package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/syujy/ikesess/internal/projenv"
	"github.com/syujy/ikesess/internal/service"
)

var errNotRunning = errors.New("ikesess is not running")

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Load sessions from the YAML file at `path`",
		EnvVars: []string{"IKESESS_CONFIG"},
		Value:   projenv.DefaultConfigFile,
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "ikesess",
		Usage:     "IKEv2 initiator keeping the configured IPsec tunnels established",
		Writer:    out,
		ErrWriter: out,
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Open every configured IKE session",
				Description: "Each session negotiates its IKE SA and Child SAs with its server, " +
					"then is rekeyed and kept alive until ikesess stops",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "daemon",
						Aliases: []string{"d"},
						Usage:   "Detach and run in the background",
					},
					configFlag(),
				},
				Action: runStartCmd,
			},
			{
				Name:        "stop",
				Usage:       "Delete every IKE SA and exit",
				Description: "Sends SIGTERM to the running ikesess",
				Action:      func(c *cli.Context) error { return signalRunning(unix.SIGTERM) },
			},
			{
				Name:        "reload",
				Usage:       "Apply the session list of the configuration file",
				Description: "Sends SIGHUP: sessions new in the file are opened, removed ones are closed",
				Action:      func(c *cli.Context) error { return signalRunning(unix.SIGHUP) },
			},
			{
				Name:   "status",
				Usage:  "Tell whether ikesess is running",
				Action: runStatusCmd,
			},
			{
				Name:   "check",
				Usage:  "Validate the configuration and list its sessions",
				Flags:  []cli.Flag{configFlag()},
				Action: runCheckCmd,
			},
		},
		Version: "v1.0.0",
	}
}

func runStartCmd(c *cli.Context) error {
	if c.Bool("daemon") {
		args := daemonArgs(os.Args)
		cmd := exec.Command(args[0], args[1:]...)
		return cmd.Start()
	}
	for _, dir := range []string{projenv.VarRunDir, projenv.VarLogDir} {
		if err := os.MkdirAll(dir, 0o775); err != nil {
			return err
		}
	}
	switch proc, err := running(); {
	case err != nil && !errors.Is(err, errNotRunning):
		return err
	case proc != nil:
		return fmt.Errorf("ikesess already running as pid %d", proc.Pid)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(projenv.PidFile, []byte(pid), 0o644); err != nil {
		return err
	}
	return service.Start(c.String("config"))
}

// daemonArgs drops the daemon flag so the child runs in the foreground.
func daemonArgs(args []string) []string {
	var out []string
	for _, arg := range args {
		switch {
		case arg == "-d", arg == "--daemon", strings.HasPrefix(arg, "-d="), strings.HasPrefix(arg, "--daemon="):
			continue
		}
		out = append(out, arg)
	}
	return out
}

func runStatusCmd(c *cli.Context) error {
	proc, err := running()
	if errors.Is(err, errNotRunning) {
		fmt.Fprintln(c.App.Writer, err)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "ikesess running as pid %d\n", proc.Pid)
	return nil
}

func runCheckCmd(c *cli.Context) error {
	ctx, err := service.Validate(c.String("config"))
	if err != nil {
		return err
	}
	for _, sc := range ctx.Sessions {
		fmt.Fprintf(c.App.Writer, "%s: server %s, %d child session(s)\n", sc.Name, sc.Params.Server, len(sc.Children))
	}
	return nil
}

func signalRunning(sig unix.Signal) error {
	proc, err := running()
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// running finds the process of the pid file. errNotRunning is returned when
// there is none.
func running() (*os.Process, error) {
	content, err := os.ReadFile(projenv.PidFile)
	if os.IsNotExist(err) {
		return nil, errNotRunning
	}
	if err != nil {
		return nil, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("pid file %s: %w", projenv.PidFile, err)
	}
	proc, _ := os.FindProcess(pid) // Always succeeds
	if err := proc.Signal(unix.Signal(0)); err != nil {
		if os.IsPermission(err) {
			return proc, err
		}
		return nil, errNotRunning
	}
	return proc, nil
}
