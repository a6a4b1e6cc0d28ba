package main

import (
	"log"

	"github.com/MrSnakeDoc/quay/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		log.Fatalf("❌ quay failed to start: %v", err)
	}
	if err := a.Run(); err != nil {
		log.Fatalf("❌ quay exited with error: %v", err)
	}
}
