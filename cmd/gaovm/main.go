package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/gaovm/gaovm/internal/cli/standard"
)

func main() {
	if err := standard.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gaovm: %v\n", err)
		var usage *standard.UsageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
