package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"callpipe/internal/store"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		if errors.Is(err, store.ErrUnavailable) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
