package main

import (
	"log"

	"github.com/driftmail/driftmail/core/controlplane/gateway"
	"github.com/driftmail/driftmail/core/infra/buildinfo"
	"github.com/driftmail/driftmail/core/infra/config"
)

func main() {
	log.Println("driftmail api starting...")
	buildinfo.Log("driftmail-api")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("api gateway error: %v", err)
	}
}
