// The main package for the geotile executable.
package main

import (
	"github.com/JakeFAU/geotile-pipeline/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
