// The main package for the harvester executable.
package main

import (
	"github.com/placegrid/harvester/cmd"
)

func main() {
	cmd.Execute()
}
