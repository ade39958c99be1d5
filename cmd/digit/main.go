package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Brownie44l1/digit-api/internal/envconfig"
	"github.com/Brownie44l1/digit-api/internal/logutil"
)

func main() {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	if err := NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
