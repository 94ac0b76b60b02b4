package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/clyro-labs/enroller/cmd/cli/commands"
)

func main() {
	// A missing .env file is fine; flags and env vars still apply.
	_ = godotenv.Load()

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
