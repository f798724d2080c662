package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/ruralpay/echobank/internal/gateway"
	"github.com/ruralpay/echobank/internal/models"
	"github.com/shopspring/decimal"
)

// sandbox-bank serves the demo institution API so the voice service can be
// run end to end without a real bank. Register its base URL with
// PUT /api/v1/institutions/endpoints using gateway.SandboxEndpoints paths.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	sandbox := gateway.NewSandbox()
	sandbox.AddAccount("0123456789", decimal.NewFromInt(250000),
		models.Recipient{Name: "John Okafor", AccountNumber: "1111111111", BankCode: "058"},
		models.Recipient{Name: "John Adeyemi", AccountNumber: "2222222222", BankCode: "044"},
		models.Recipient{Name: "Amaka Eze", AccountNumber: "3333333333", BankCode: "011"},
	)
	sandbox.AddAccount("1111111111", decimal.NewFromInt(5000))
	sandbox.AddAccount("2222222222", decimal.NewFromInt(5000))
	sandbox.AddAccount("3333333333", decimal.NewFromInt(5000))

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", sandbox)

	port := os.Getenv("SANDBOX_PORT")
	if port == "" {
		port = "9090"
	}
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("Sandbox bank starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Sandbox bank failed: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Sandbox bank forced to shutdown: %v", err)
	}
}
