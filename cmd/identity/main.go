// Package main is the entry point of the godwit identity service.
package main

import (
	"os"

	"godwit.dev/identity/cmd/identity/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
