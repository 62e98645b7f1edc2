package main

import (
	"os"

	"github.com/armadaproject/vecsched/cmd/scheduler/cmd"
	"github.com/armadaproject/vecsched/internal/common/logging"
)

func main() {
	logging.ConfigureCommandLineLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
