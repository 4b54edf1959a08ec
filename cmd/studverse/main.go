package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/Purna998/studverse-chatapplication/cmd/internal/app"
)

func main() {
	// Missing .env is fine: deployments inject real environment variables.
	_ = godotenv.Load()

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
