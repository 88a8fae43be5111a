// cmd/adduser/main.go
// Creates or updates an operator account for the admin endpoints.
//
// Usage:
//
//	go run ./cmd/adduser -username ops -password secret
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/padraicbc/racesync/app"
	"github.com/padraicbc/racesync/config"
	"github.com/padraicbc/racesync/handlers"
	applog "github.com/padraicbc/racesync/logger"
	"github.com/padraicbc/racesync/models"
)

func main() {
	username := flag.String("username", "", "username (required)")
	password := flag.String("password", "", "plain-text password (required)")
	flag.Parse()

	hash, err := handlers.HashPassword(*username, *password)
	if err != nil {
		log.Fatal("adduser: ", err)
	}

	ctx := context.Background()
	cfg := config.Load()
	if cfg.StoreDriver == config.StoreMemory {
		log.Fatal("adduser: STORE_DRIVER=memory has nothing to save into")
	}
	logger, err := applog.New(cfg.Debug)
	if err != nil {
		log.Fatal(err)
	}
	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatal("open store: ", err)
	}
	defer rt.Close()

	if err := rt.Operators.SaveOperator(ctx, models.Operator{Username: *username, Password: hash}); err != nil {
		log.Fatal("save operator: ", err)
	}
	fmt.Printf("operator %q saved\n", *username)
}
