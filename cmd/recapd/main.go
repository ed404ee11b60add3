// Command recapd runs the recap daemon in the foreground. It is equivalent
// to `recap daemon` and exists for service managers that want a dedicated
// binary.
package main

import (
	"context"
	"flag"
	"log"

	"recap/internal/config"
	"recap/internal/daemonrun"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	logLevel := flag.String("log-level", "", "override the configured log level")
	socketPath := flag.String("socket", "", "override the configured IPC socket path")
	flag.Parse()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{
		LogLevel:   *logLevel,
		SocketPath: *socketPath,
	}); err != nil {
		log.Fatalf("recapd: %v", err)
	}
}
