// The main package for the fetchkit executable.
package main

import (
	"github.com/JakeFAU/fetchkit/cmd"
)

func main() {
	cmd.Execute()
}
