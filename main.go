package main

import (
	"os"

	"github.com/go-nan/go-nan/lib/cli"
	"github.com/go-nan/go-nan/lib/util/logger"
)

var log = logger.GetNanLogger()

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		log.WithError(err).Debug("command_failed")
		os.Exit(1)
	}
}
