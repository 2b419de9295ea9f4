package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/cmld"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/control"
	"github.com/cml-project/cmld/internal/lifecycle"
)

const appName = "cmld"

func main() {
	// Handle the "child" argument first: it signals that this process is a
	// freshly cloned compartment child waiting for its setup record.
	if len(os.Args) > 1 && os.Args[1] == "child" {
		if err := lifecycle.RunChild(); err != nil {
			logrus.Fatal(err)
		}
		return
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Definitions related to daemon command
	daemonFlagSet := flag.NewFlagSet("daemon", flag.ExitOnError)

	debug := daemonFlagSet.Bool("d", false, "Enable debug logging")

	root := daemonFlagSet.String("root", config.Root, "Daemon state directory")

	withoutSCD := daemonFlagSet.Bool("no-scd", false, "Run without the credential collaborator")

	scdTimeout := daemonFlagSet.Duration("scd-timeout", 0, "Credential operation timeout")

	daemonCmd := &ffcli.Command{
		Name:       "daemon",
		ShortUsage: "cmld daemon [-d] [-root DIR] [-no-scd]",
		ShortHelp:  "Run the compartment management daemon",
		FlagSet:    daemonFlagSet,
		Exec: func(ctx context.Context, args []string) error {
			if *debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
			config.Root = *root

			daemon, err := cmld.New(cmld.Options{
				SCDTimeout: *scdTimeout,
				WithoutSCD: *withoutSCD,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize daemon: %w", err)
			}

			ctrl, err := control.New(daemon.Loop, daemon, daemon.Engine, daemon.Hotplug)
			if err != nil {
				return fmt.Errorf("failed to create control socket: %w", err)
			}
			defer ctrl.Close()

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sigc
				logrus.Info("shutting down")
				daemon.Shutdown()
			}()

			sd.SdNotify(false, sd.SdNotifyReady)
			return daemon.Run()
		},
	}

	// Definitions related to client commands speaking the control socket
	lsCmd := &ffcli.Command{
		Name:       "ls",
		ShortUsage: "cmld ls",
		ShortHelp:  "List compartments",
		Exec: func(ctx context.Context, args []string) error {
			resp, err := request(&control.Request{Op: control.OpList})
			if err != nil {
				return err
			}
			fmt.Printf("%-38s %-12s %-14s %s\n", "UUID", "NAME", "STATE", "PID")
			for _, c := range resp.Compartments {
				fmt.Printf("%-38s %-12s %-14s %d\n", c.UUID, c.Name, c.State, c.Pid)
			}
			return nil
		},
	}

	startCmd := lifecycleCmd("start", control.OpStart)
	stopCmd := lifecycleCmd("stop", control.OpStop)
	freezeCmd := lifecycleCmd("freeze", control.OpFreeze)
	unfreezeCmd := lifecycleCmd("unfreeze", control.OpUnfreeze)
	rebootCmd := lifecycleCmd("reboot", control.OpReboot)
	tokenCmd := lifecycleCmd("attach-token", control.OpAttachToken)

	// Definitions related to register command
	registerFlagSet := flag.NewFlagSet("register", flag.ExitOnError)

	configPath := registerFlagSet.String("f", "", "Path to a compartment configuration blob")

	registerCmd := &ffcli.Command{
		Name:       "register",
		ShortUsage: "cmld register -f CONFIG",
		ShortHelp:  "Register a compartment configuration",
		FlagSet:    registerFlagSet,
		Exec: func(ctx context.Context, args []string) error {
			if *configPath == "" {
				return fmt.Errorf("'cmld register' requires -f")
			}
			blob, err := os.ReadFile(*configPath)
			if err != nil {
				return fmt.Errorf("failed to read configuration: %w", err)
			}
			resp, err := request(&control.Request{Op: control.OpRegister, Config: blob})
			if err != nil {
				return err
			}
			fmt.Println(resp.UUID)
			return nil
		},
	}

	// Definitions related to root command
	rootFlagSet := flag.NewFlagSet(appName, flag.ExitOnError)

	rootCmd := &ffcli.Command{
		Name:       appName,
		ShortHelp:  "cmld supervises isolated compartments on this host",
		ShortUsage: "cmld COMMAND",
		FlagSet:    rootFlagSet,
		Subcommands: []*ffcli.Command{
			daemonCmd, lsCmd, startCmd, stopCmd, freezeCmd,
			unfreezeCmd, rebootCmd, tokenCmd, registerCmd,
		},
		Exec: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return flag.ErrHelp
			}
			return fmt.Errorf("'%s' is not a cmld command.\nSee 'cmld --help'", args[0])
		},
	}

	if err := rootCmd.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		logrus.Fatal(err)
	}
}

// lifecycleCmd builds a client subcommand that targets one compartment by
// uuid.
func lifecycleCmd(name string, op control.Op) *ffcli.Command {
	return &ffcli.Command{
		Name:       name,
		ShortUsage: fmt.Sprintf("cmld %s UUID", name),
		ShortHelp:  fmt.Sprintf("%s a compartment", name),
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("'cmld %s' requires exactly 1 argument", name)
			}
			if _, err := request(&control.Request{Op: op, UUID: args[0]}); err != nil {
				return err
			}
			fmt.Println(args[0])
			return nil
		},
	}
}

// request performs one synchronous control round-trip.
func request(req *control.Request) (*control.Response, error) {
	path := filepath.Join(config.SocketDir, control.SocketName)
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer conn.Close()

	if err := control.WriteRecord(conn, req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	var resp control.Response
	if err := control.ReadRecord(conn, &resp); err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return &resp, nil
}
