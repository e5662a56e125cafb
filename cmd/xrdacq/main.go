/*Command xrdacq acquires image sequences from a GigE flat-panel X-ray
detector and saves them as .his (or FITS) files.

Usage:

	xrdacq <command>

Commands:

	run      interactive acquisition on the console
	serve    HTTP control of the detector
	info     print the header of a saved .his file
	mkconf   write the configuration file with the default values
	conf     print the active configuration
	version  print the version

Configuration is layered: built-in defaults, xrdacq.yml, XRDACQ_ environment
variables (XRDACQ_LOG_LEVEL=debug sets log.level), then flags.  Keys are
lowercase, e.g. log.level or sim.frametime.
*/
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.jpl.nasa.gov/bdube/xrdacq/logger"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "xrdacq",
		Short: "xrdacq acquires image sequences from a GigE flat-panel detector",
		Long: `xrdacq connects to the first GigE flat-panel detector, captures a
fixed number of frames (1-600) into memory and saves them to disk.
An acquisition can be stopped early with s, space or q followed by Enter.`,
		SilenceUsage: true,
	}
	flags(root.PersistentFlags())
	root.AddCommand(runCmd(), serveCmd(), infoCmd(), mkconfCmd(), confCmd(), versionCmd())
	return root
}

// setup loads the configuration and opens the logger
func setup(cmd *cobra.Command) (config, logger.Logger, func(), error) {
	cfg, err := load(cmd.Flags())
	if err != nil {
		return cfg, nil, nil, err
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, log, func() { closer.Close() }, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one interactive acquisition",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, done, err := setup(cmd)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			spin := isatty.IsTerminal(os.Stdout.Fd())
			return newConsole(cmd.InOrStdin(), cmd.OutOrStdout(), spin).acquire(ctx, cfg, log)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve start, abort, status, preview and download over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, done, err := setup(cmd)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			return serve(ctx, cfg, log)
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <file.his>",
		Short: "Print the header of a saved .his file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return info(cmd.OutOrStdout(), args[0])
		},
	}
}

func mkconfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkconf",
		Short: "Write " + ConfigFileName + " with the default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(ConfigFileName)
			if err != nil {
				return err
			}
			defer f.Close()
			return writeConf(f, defaults())
		},
	}
}

func confCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "Print the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd.Flags())
			if err != nil {
				return err
			}
			return writeConf(cmd.OutOrStdout(), cfg)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "xrdacq version %v\n", Version)
		},
	}
}
