package main

import (
	"log"

	"github.com/driftmail/driftmail/core/controlplane/engine"
	"github.com/driftmail/driftmail/core/infra/buildinfo"
	"github.com/driftmail/driftmail/core/infra/config"
)

func main() {
	log.Println("driftmail engine starting...")
	buildinfo.Log("driftmail-engine")
	cfg := config.Load()
	if err := engine.Run(cfg); err != nil {
		log.Fatalf("pipeline engine error: %v", err)
	}
}
