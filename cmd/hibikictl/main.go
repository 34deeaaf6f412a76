package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/hibiki/internal/cli"
)

func main() {
	_ = godotenv.Load()
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
