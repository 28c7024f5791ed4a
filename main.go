// The main package for the crawler-telemetry executable.
package main

import (
	"github.com/econ-graph/crawler-telemetry/cmd"
)

func main() {
	cmd.Execute()
}
