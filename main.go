package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/towline/realtime/gateway"
)

func main() {
	fmt.Println("🚀 Starting Towline realtime gateway...")

	g, err := gateway.New()
	if err != nil {
		fmt.Printf("❌ Failed to start gateway: %v\n", err)
		os.Exit(1)
	}
	defer g.Close()

	if err := g.Run(); err != nil {
		fmt.Printf("❌ Gateway error: %v\n", err)
		os.Exit(1)
	}

	waitForSignal()
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit

	fmt.Println("👋 Service exiting")
}
