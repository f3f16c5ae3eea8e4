// Package main launches the runstage CLI.
package main

import "github.com/runstage/runstage/cmd"

func main() {
	cmd.Execute()
}
