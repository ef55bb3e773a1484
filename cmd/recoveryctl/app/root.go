package app

import (
	"context"

	"github.com/ariesdb/enginecore/src/cli"
)

var rootCmd = cli.Init("recoveryctl")

func MustExecute(ctx context.Context) {
	initRun()
	initStatus()
	rootCmd.MustExecute(ctx)
}
