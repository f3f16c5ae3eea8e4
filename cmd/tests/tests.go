// Package tests contains the helpers for running integration-like tests that
// exercise whole runstage commands against a simulated process environment.
package tests

import (
	"fmt"
	"os"
	"testing"

	"go.uber.org/goleak"
)

// Main is a TestMain function that can be imported by test packages that want
// goroutine leak checking on top of their tests.
func Main(m *testing.M) {
	exitCode := 1 // error out by default
	defer func() {
		os.Exit(exitCode) //nolint:gocritic
	}()

	defer func() {
		if err := goleak.Find(); err != nil {
			fmt.Println(err)
			exitCode = 3
		}
	}()

	exitCode = m.Run()
}
