// Package main is the entry point for the uitsmijter core server.
package main

import (
	"os"

	"github.com/uitsmijter/core/cmd/uitsmijter/app"
	"github.com/uitsmijter/core/pkg/logger"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
