package main

import (
	"os"

	"nmtboard.tail/internal/core/logger"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("nmtboard failed", "error", err)
		os.Exit(1)
	}
}
