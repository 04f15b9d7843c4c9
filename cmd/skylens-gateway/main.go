package main

import (
	"log"

	"github.com/skylens/skylens/core/controlplane/gateway"
	"github.com/skylens/skylens/core/infra/buildinfo"
	"github.com/skylens/skylens/core/infra/config"
)

func main() {
	log.Println("skylens api gateway starting...")
	buildinfo.Log("skylens-gateway")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("api gateway error: %v", err)
	}
}
