package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/pkg/client"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)
	c := command{flags: global}
	root.AddCommand(
		createServeCommand(global),
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createStatusCommand(c),
		createLogsCommand(c),
		createHealthCommand(c),
		createActiveCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "beeswarm",
		Short: "Per-project dev server supervisor",
		Long: `Beeswarm runs one dev server per open project, hands out port pairs,
waits until each server answers HTTP and keeps watching its health.

Examples:
  beeswarm serve --config beeswarm.toml      # Start daemon
  beeswarm start my-app --dir ~/code/my-app  # Start a project's dev server
  beeswarm status                            # List projects
  beeswarm logs my-app --follow              # Tail dev server output`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default derived from --config, else "+client.DefaultBaseURL+")")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", client.DefaultTimeout, "request timeout")
	return root
}

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the beeswarm daemon",
		Long: `Start the daemon that supervises dev servers and serves the HTTP API.
Configuration comes from the TOML file and BEESWARM_* environment variables.

Examples:
  beeswarm serve
  beeswarm serve beeswarm.toml
  beeswarm serve --daemonize --logfile /tmp/beeswarm.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := global.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signalContext()
			defer stop()
			return runServe(ctx, path, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file (with --daemonize)")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().BoolVar(&flags.NonBlocking, "non-blocking", false, "shut down right after startup")
	_ = cmd.Flags().MarkHidden("non-blocking")
	return cmd
}

func createStartCommand(c command) *cobra.Command {
	flags := StartFlags{}
	cmd := &cobra.Command{
		Use:   "start <project>",
		Short: "Start a project's dev server and wait until it answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.OutOrStdout(), args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.Dir, "dir", "", "project directory (default: current directory)")
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	flags := StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop <project>",
		Short: "Stop a project's dev server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.OutOrStdout(), args[0], flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Force, "force", false, "stop even if it is the active project")
	return cmd
}

func createRestartCommand(c command) *cobra.Command {
	flags := StartFlags{}
	cmd := &cobra.Command{
		Use:   "restart <project>",
		Short: "Restart a project's dev server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.OutOrStdout(), args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.Dir, "dir", "", "project directory (default: the one it was started with)")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status [project]",
		Short: "Show one project or list all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			return c.Status(cmd.OutOrStdout(), id)
		},
	}
}

func createLogsCommand(c command) *cobra.Command {
	flags := LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <project>",
		Short: "Print recent dev server output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.Follow {
				ctx, stop := signalContext()
				defer stop()
				return c.Follow(ctx, cmd.OutOrStdout(), args[0], flags)
			}
			return c.Logs(cmd.OutOrStdout(), args[0], flags)
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 100, "number of lines")
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "keep streaming output and lifecycle events")
	return cmd
}

func createHealthCommand(c command) *cobra.Command {
	flags := HealthFlags{}
	cmd := &cobra.Command{
		Use:   "health <project>",
		Short: "Show the last health status of a running project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Health(cmd.OutOrStdout(), args[0], flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Check, "check", false, "run a health check now")
	return cmd
}

func createActiveCommand(c command) *cobra.Command {
	flags := ActiveFlags{}
	cmd := &cobra.Command{
		Use:   "active [project]",
		Short: "Show or set the active project",
		Long: `The active project is the one on screen. It is only stopped with --force.

Examples:
  beeswarm active            # print it
  beeswarm active my-app     # set it
  beeswarm active --clear    # unset it`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			return c.Active(cmd.OutOrStdout(), id, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Clear, "clear", false, "clear the active project")
	return cmd
}
