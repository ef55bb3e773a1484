package main

import (
	"context"

	"github.com/ariesdb/enginecore/cmd/recoveryctl/app"
)

func main() {
	app.MustExecute(context.Background())
}
