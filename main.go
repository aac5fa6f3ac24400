// The main package for the convertwatch executable.
package main

import (
	"github.com/JakeFAU/convertwatch/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
