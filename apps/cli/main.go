package main

import "github.com/abdul-hamid-achik/hitcapture/apps/cli/cmd"

// Set through -ldflags at release time
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cmd.Execute(version, buildTime)
}
