// Package state contains the GlobalState object and its helpers.
package state

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/runstage/runstage/internal/ui/console"
	"github.com/runstage/runstage/lib/fsext"
)

// GlobalFlags contains the global config values that apply to the whole tool.
type GlobalFlags struct {
	Quiet     bool
	NoColor   bool
	Verbose   bool
	LogOutput string
	LogFormat string
}

// GlobalState contains the GlobalFlags and accessors for most of the global
// process-external state like CLI arguments, env vars, standard input, output
// and error, etc. In practice, most of it is normally accessed through the
// `os` package from the Go stdlib.
//
// We group them here so we can prevent direct access to them from the rest of
// the codebase. This gives us the ability to mock them and have robust and
// easy-to-write integration-like tests to check the end-to-end behavior in
// any simulated conditions.
//
// `NewGlobalState()` returns a GlobalState with the real `os` parameters,
// while `cmd/tests.NewGlobalTestState()` creates simulated environments.
type GlobalState struct {
	FS         fsext.Fs
	Getwd      func() (string, error)
	BinaryName string
	CmdArgs    []string
	Env        map[string]string

	DefaultFlags, Flags GlobalFlags

	OutMutex       *sync.Mutex
	Stdout, Stderr *console.Writer
	Stdin          io.Reader

	OSExit func(int)

	Logger *logrus.Logger
}

// NewGlobalState returns a new GlobalState from the real process state.
// Ideally, this should be the only function in the whole codebase where we
// use global variables and functions from the os package.
func NewGlobalState() *GlobalState {
	isDumbTerm := os.Getenv("TERM") == "dumb"
	stdoutTTY := !isDumbTerm && (isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()))
	stderrTTY := !isDumbTerm && (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))
	outMutex := &sync.Mutex{}
	stdout := &console.Writer{
		RawOutFd: int(os.Stdout.Fd()),
		Mutex:    outMutex,
		Writer:   colorable.NewColorable(os.Stdout),
		IsTTY:    stdoutTTY,
	}
	stderr := &console.Writer{
		RawOutFd: int(os.Stderr.Fd()),
		Mutex:    outMutex,
		Writer:   colorable.NewColorable(os.Stderr),
		IsTTY:    stderrTTY,
	}

	binary, err := os.Executable()
	if err != nil {
		binary = "runstage"
	}

	env := BuildEnvMap(os.Environ())
	defaultFlags := GetDefaultFlags()
	flags := getFlags(defaultFlags, env)

	logger := &logrus.Logger{
		Out: stderr,
		Formatter: &logrus.TextFormatter{
			ForceColors:   stderrTTY,
			DisableColors: !stderrTTY || flags.NoColor,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logrus.InfoLevel,
	}

	return &GlobalState{
		FS:           fsext.NewOsFs(),
		Getwd:        os.Getwd,
		BinaryName:   filepath.Base(binary),
		CmdArgs:      append(make([]string, 0, len(os.Args)), os.Args...), // copy
		Env:          env,
		DefaultFlags: defaultFlags,
		Flags:        flags,
		OutMutex:     outMutex,
		Stdout:       stdout,
		Stderr:       stderr,
		Stdin:        os.Stdin,
		OSExit:       os.Exit,
		Logger:       logger,
	}
}

// GetDefaultFlags returns the default global flags.
func GetDefaultFlags() GlobalFlags {
	return GlobalFlags{
		LogOutput: "stderr",
	}
}

func getFlags(defaultFlags GlobalFlags, env map[string]string) GlobalFlags {
	result := defaultFlags

	if val, ok := env["RUNSTAGE_LOG_OUTPUT"]; ok {
		result.LogOutput = val
	}
	if val, ok := env["RUNSTAGE_LOG_FORMAT"]; ok {
		result.LogFormat = val
	}
	if env["RUNSTAGE_NO_COLOR"] != "" {
		result.NoColor = true
	}
	// Support https://no-color.org/, even an empty value should disable the
	// color output.
	if _, ok := env["NO_COLOR"]; ok {
		result.NoColor = true
	}
	return result
}

// ParseEnvKeyValue splits an environ entry into its key and value.
func ParseEnvKeyValue(kv string) (string, string) {
	if idx := strings.IndexRune(kv, '='); idx != -1 {
		return kv[:idx], kv[idx+1:]
	}
	return kv, ""
}

// BuildEnvMap returns a map from the given environ-style slice.
func BuildEnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v := ParseEnvKeyValue(kv)
		env[k] = v
	}
	return env
}
