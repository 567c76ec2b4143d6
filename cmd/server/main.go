package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsechat/pulsechat/internal/server"
)

func main() {
	log.Println("Starting PulseChat server...")

	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	server.SetConfig(cfg)

	hub := server.NewHub()
	go hub.Run()

	router := server.SetupRoutes(hub)
	httpServer := server.CreateServer(cfg.Port, router)

	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	if err := server.ShutdownServer(httpServer, 10*time.Second); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := hub.Shutdown(5 * time.Second); err != nil {
		log.Printf("Hub shutdown error: %v", err)
	}
	log.Println("Server exiting")
}
