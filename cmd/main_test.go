package cmd

import (
	"testing"

	"github.com/runstage/runstage/cmd/tests"
)

func TestMain(m *testing.M) {
	tests.Main(m)
}
