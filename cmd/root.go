// Package cmd implements the cli interface of runstage.
package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/runstage/runstage/cmd/state"
	"github.com/runstage/runstage/errext"
	"github.com/runstage/runstage/errext/exitcodes"
	"github.com/runstage/runstage/lib/consts"
)

// This is to keep all fields needed for the main runstage command.
type rootCommand struct {
	globalState *state.GlobalState

	cmd   *cobra.Command
	flags stageFlags

	// set once argument and flag validation is over, so the error handler
	// knows whether a usage message would help
	argsValid bool
}

func newRootCommand(gs *state.GlobalState) *rootCommand {
	c := &rootCommand{
		globalState: gs,
	}

	rootCmd := &cobra.Command{
		Use:   gs.BinaryName + " [flags] INPUT RUNFILES",
		Short: "materialize a runfiles tree from its manifest",
		Long: "runstage reconciles the RUNFILES directory to exactly match the runfiles\n" +
			"manifest at INPUT, pruning whatever does not belong and creating what is\n" +
			"missing, then archives a byte-identical copy of the manifest as\n" +
			"RUNFILES/MANIFEST.",
		Version:           consts.FullVersion(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		Args:              cobra.ExactArgs(2),
		PersistentPreRunE: c.persistentPreRunE,
		RunE:              c.runStage,
	}

	rootCmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(gs))
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().AddFlagSet(c.stageFlagSet())
	rootCmd.SetArgs(gs.CmdArgs[1:])
	rootCmd.SetOut(gs.Stdout)
	rootCmd.SetErr(gs.Stderr)
	rootCmd.SetIn(gs.Stdin)

	c.cmd = rootCmd
	return c
}

func (c *rootCommand) persistentPreRunE(_ *cobra.Command, _ []string) error {
	if err := c.setupLoggers(); err != nil {
		return err
	}
	c.globalState.Logger.Debugf("runstage version: v%s", consts.FullVersion())
	return nil
}

// Execute builds the root command from the real process state and runs it.
// This is called by main.main(). The command is the single exit point: every
// error from below is turned into a diagnostic and an exit code here.
func Execute() {
	gs := state.NewGlobalState()
	newRootCommand(gs).execute()
}

func (c *rootCommand) execute() {
	err := c.cmd.Execute()
	if err == nil {
		return
	}

	exitCode := int(exitcodes.GenericError)
	var ecerr errext.HasExitCode
	if errors.As(err, &ecerr) {
		exitCode = int(ecerr.ExitCode())
	}

	fields := logrus.Fields{}
	var herr errext.HasHint
	if errors.As(err, &herr) {
		fields["hint"] = herr.Hint()
	}

	c.globalState.Logger.WithFields(fields).Error(err.Error())
	if !c.argsValid {
		// argument errors get the usage message as well
		fmt.Fprint(c.globalState.Stderr, c.cmd.UsageString()) //nolint:errcheck
	}
	c.globalState.OSExit(exitCode)
}

func rootCmdPersistentFlagSet(gs *state.GlobalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)

	// We use `gs.Flags.<value>` both as the destination and as the value
	// here, since the config values could have already been set by their
	// respective environment variables. The DefValue is then explicitly set
	// to the default, so the `--help` message is not messed up.

	flags.StringVar(&gs.Flags.LogOutput, "log-output", gs.Flags.LogOutput,
		"change the output for logs, possible values are stderr,stdout,none")
	flags.Lookup("log-output").DefValue = gs.DefaultFlags.LogOutput

	flags.StringVar(&gs.Flags.LogFormat, "log-format", gs.Flags.LogFormat, "log output format")
	flags.Lookup("log-format").DefValue = gs.DefaultFlags.LogFormat

	flags.BoolVar(&gs.Flags.NoColor, "no-color", gs.Flags.NoColor, "disable colored output")

	flags.BoolVarP(&gs.Flags.Verbose, "verbose", "v", gs.DefaultFlags.Verbose, "enable verbose logging")
	flags.BoolVarP(&gs.Flags.Quiet, "quiet", "q", gs.DefaultFlags.Quiet, "only log warnings and errors")

	return flags
}

// RawFormatter it does nothing with the message just prints it
type RawFormatter struct{}

// Format renders a single log entry
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

func (c *rootCommand) setupLoggers() error {
	if c.globalState.Flags.Verbose {
		c.globalState.Logger.SetLevel(logrus.DebugLevel)
	} else if c.globalState.Flags.Quiet {
		c.globalState.Logger.SetLevel(logrus.WarnLevel)
	}

	loggerForceColors := false // disable color by default
	switch line := c.globalState.Flags.LogOutput; {
	case line == "stderr":
		loggerForceColors = !c.globalState.Flags.NoColor && c.globalState.Stderr.IsTTY
		c.globalState.Logger.SetOutput(c.globalState.Stderr)
	case line == "stdout":
		loggerForceColors = !c.globalState.Flags.NoColor && c.globalState.Stdout.IsTTY
		c.globalState.Logger.SetOutput(c.globalState.Stdout)
	case line == "none":
		c.globalState.Logger.SetOutput(io.Discard)
	default:
		return fmt.Errorf("unsupported log output '%s'", line)
	}

	switch c.globalState.Flags.LogFormat {
	case "raw":
		c.globalState.Logger.SetFormatter(&RawFormatter{})
	case "json":
		c.globalState.Logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		c.globalState.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors: loggerForceColors, DisableColors: c.globalState.Flags.NoColor,
		})
	default:
		return fmt.Errorf("unsupported log format '%s'", c.globalState.Flags.LogFormat)
	}
	return nil
}
