package main

import (
	"errors"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ExitCode attaches a process exit status to an error.
type ExitCode struct {
	error
	Code int
}

// exitFallback is the documented status for runs where native rewriting is
// unavailable and the archive was copied verbatim.
const exitFallback = 2

// rootCommand carries the state shared by all aic-gn subcommands.
type rootCommand struct {
	cmd     *cobra.Command
	logger  *logrus.Logger
	fs      afero.Fs
	verbose bool
	noColor bool
}

func newRootCommand() *rootCommand {
	c := &rootCommand{
		logger: &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
		fs: afero.NewOsFs(),
	}
	c.cmd = &cobra.Command{
		Use:   "aic-gn",
		Short: "rename Rust runtime symbols inside static library archives",
		Long: `aic-gn rewrites the Rust runtime symbols embedded in aic SDK static
libraries so that two Rust-built archives can be linked into the same
binary without duplicate-symbol collisions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.setupLogger()
		},
	}

	c.cmd.PersistentFlags().AddFlagSet(c.persistentFlagSet())

	c.cmd.AddCommand(
		c.renameCmd(),
		c.inspectCmd(),
		c.probeCmd(),
		c.fetchCmd(),
	)
	return c
}

func (c *rootCommand) persistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	return flags
}

func (c *rootCommand) setupLogger() {
	if c.verbose {
		c.logger.SetLevel(logrus.DebugLevel)
	}
	if c.noColor {
		color.NoColor = true
	}
	stderrTTY := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	c.logger.SetFormatter(&logrus.TextFormatter{
		ForceColors:   stderrTTY && !c.noColor,
		DisableColors: c.noColor,
	})
}

func run() int {
	c := newRootCommand()
	if err := c.cmd.Execute(); err != nil {
		c.logger.Error(err)
		var ec ExitCode
		if errors.As(err, &ec) {
			return ec.Code
		}
		return 1
	}
	return 0
}

// must panics on setup errors that can only come from programming mistakes.
func must(err error) {
	if err != nil {
		panic(err)
	}
}
