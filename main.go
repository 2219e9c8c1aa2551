// The main package for the stagestream executable.
package main

import (
	"github.com/JakeFAU/stagestream/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
