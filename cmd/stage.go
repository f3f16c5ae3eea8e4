package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/runstage/runstage/errext"
	"github.com/runstage/runstage/errext/exitcodes"
	"github.com/runstage/runstage/lib/fsext"
	"github.com/runstage/runstage/lib/runfiles"
)

type stageFlags struct {
	allowRelative     bool
	useMetadata       bool
	windowsCompatible bool
	hardlinkCheck     string
}

func (c *rootCommand) stageFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVar(&c.flags.allowRelative, "allow_relative", false,
		"allow manifest link targets that are not absolute paths")
	flags.BoolVar(&c.flags.useMetadata, "use_metadata", false,
		"treat every even manifest line as opaque metadata")
	flags.BoolVar(&c.flags.windowsCompatible, "windows_compatible", false,
		"realize links as hardlinks and directory junctions instead of symlinks")
	flags.StringVar(&c.flags.hardlinkCheck, "hardlink_check", string(fsext.HardlinkCheckStrict),
		"how existing hardlinks are matched against the manifest, 'strict' or 'weak'")
	return flags
}

func (c *rootCommand) runStage(_ *cobra.Command, args []string) error {
	gs := c.globalState
	input, runfilesDir := args[0], args[1]

	check, err := fsext.ParseHardlinkCheck(c.flags.hardlinkCheck)
	if err != nil {
		err = errext.WithHint(err, "strict matches the target among the file's hardlink names, weak only the file identity")
		return errext.WithExitCodeIfNone(err, exitcodes.GenericError)
	}
	c.argsValid = true

	// resolve the manifest path against the working directory up front, so it
	// stays valid no matter what the output base is relative to
	if !filepath.IsAbs(input) {
		wd, err := gs.Getwd()
		if err != nil {
			return errext.WithExitCodeIfNone(err, exitcodes.GenericError)
		}
		input = filepath.Join(wd, input)
	}

	logger := gs.Logger.WithFields(logrus.Fields{
		"input":    input,
		"runfiles": runfilesDir,
	})

	err = runfiles.Stage(gs.FS, logger, input, runfilesDir, runfiles.Options{
		AllowRelative:     c.flags.allowRelative,
		UseMetadata:       c.flags.useMetadata,
		WindowsCompatible: c.flags.windowsCompatible,
		HardlinkCheck:     check,
	})
	if err != nil {
		// every reconciliation diagnostic names the tool and its arguments
		err = fmt.Errorf("%s (args %s %s): %w", gs.BinaryName, args[0], args[1], err)
	}
	return errext.WithExitCodeIfNone(err, exitcodes.GenericError)
}
