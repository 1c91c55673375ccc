package main

import (
	"log"

	"github.com/Rosenorn-Solutions/pantmig-go/internal/watch"
)

func main() {
	cfg := watch.LoadConfig()

	application, err := watch.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	if err := application.Run(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}
