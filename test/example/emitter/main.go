package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zpiroux/fnchain"
)

// A fnchain integration running a single destination, processing events from a simple
// emitter, and printing the outputs with a custom sink.
// Run this example with go run .
// Graceful shutdown with Ctrl+C (or similar)
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	go ensureGracefulShutdown(cancel)
	runDestination(ctx)
}

func ensureGracefulShutdown(cancel context.CancelFunc) {

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	log.Println("Initiating wait for shutdown (SIGINT/SIGTERM) signal")

	<-shutdown

	log.Println("Received shutdown (SIGINT/SIGTERM) signal - initiating service cancellation.")
	cancel()
}

func runDestination(ctx context.Context) {

	config := fnchain.NewConfig()
	if err := config.RegisterSinkType(printSinkFactory{}); err != nil {
		log.Fatalf("config.RegisterSinkType() error: %v", err)
	}

	f, err := fnchain.New(ctx, config)
	if err != nil {
		log.Fatalf("fnchain.New() error: %v", err)
	}

	go func() {
		for event := range f.NotifyChannel() {
			if event.Sender == "udf" {
				log.Printf("[%s] %s", event.Step, event.Message)
			}
		}
	}()

	if _, err := f.RegisterFunction(ctx, specFunction); err != nil {
		log.Fatalf("fnchain.RegisterFunction() error: %v", err)
	}
	id, err := f.RegisterDestination(ctx, specDestination)
	if err != nil {
		log.Fatalf("fnchain.RegisterDestination() error: %v", err)
	}
	log.Printf("destination registered with id: %s", id)

	e := &emitter{publish: f.Publish, interval: 2 * time.Second}
	go e.run(ctx)

	if err := f.Run(ctx); err != nil {
		log.Printf("fnchain.Run() error: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.Shutdown(shutdownCtx); err != nil {
		log.Printf("fnchain.Shutdown() error: %v", err)
	}
}

var specFunction = []byte(`
	{
		"id": "classify",
		"description": "Routes events on amount, dropping small ones.",
		"version": 1,
		"code": "export default function (event, config) { if (event.amount < config.minAmount) { console.log('dropping', event.eventId); return [null, event]; } return [event.amount >= largeAmount ? 'large' : 'regular', event]; }",
		"variables": { "largeAmount": 50 }
	}
`)

var specDestination = []byte(`
	{
		"id": "purchases",
		"description": "Example destination continuously processing events from an emitter.",
		"version": 1,
		"synchronous": true,
		"chain": [
			{ "kind": "builtin", "ref": "userAgent", "config": { "path": "userAgent", "target": "client" } },
			{ "kind": "udf", "ref": "classify", "config": { "minAmount": 20 } }
		],
		"sink": { "type": "print" }
	}
`)
