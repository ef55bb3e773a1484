package app

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

type Entrypoint interface {
	io.Closer
	Init(ctx context.Context) error
	Run(ctx context.Context) error
}

// Run drives an Entrypoint through its lifecycle: Init, Run, then
// Close once the work finishes or a SIGINT/SIGTERM arrives.
func Run(ctx context.Context, e Entrypoint) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := e.Init(ctx); err != nil {
		return fmt.Errorf("entrypoint init error: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		// cancel unblocks the shutdown goroutine when Run finishes
		// without an error and no signal ever arrives
		defer cancel()

		return e.Run(egCtx)
	})

	eg.Go(func() error {
		<-ctx.Done()

		return e.Close()
	})

	return eg.Wait()
}
