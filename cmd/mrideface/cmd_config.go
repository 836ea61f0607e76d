package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"mrideface/pkg/config"
)

func runConfigInit(cmd *cobra.Command, args []string) {
	path := cfgPath
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		log.Fatalf("Config file %s already exists; refusing to overwrite it", path)
	}
	if err := config.CreateDefaultConfigFile(path); err != nil {
		log.Fatalf("Failed to write config file: %v", err)
	}
	fmt.Printf("Default configuration written to %s\n", path)
}
