package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/ruralpay/echobank/internal/config"
	"github.com/ruralpay/echobank/internal/database"
	"github.com/ruralpay/echobank/internal/events"
	"github.com/ruralpay/echobank/internal/gateway"
	"github.com/ruralpay/echobank/internal/handlers"
	"github.com/ruralpay/echobank/internal/hsm"
	mW "github.com/ruralpay/echobank/internal/middleware"
	"github.com/ruralpay/echobank/internal/services"
	"github.com/ruralpay/echobank/internal/session"
	"github.com/spf13/viper"
)

// @title EchoBank Voice Transfer API
// @version 1.0
// @description Conversational voice transfers against institution banking APIs
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

// envKeys are bound to the upper snake case variable of the same name,
// e.g. database.ssl_mode reads DATABASE_SSL_MODE
var envKeys = []string{
	"database.url", "database.host", "database.port", "database.user",
	"database.password", "database.name", "database.ssl_mode",
	"database.migrate", "database.migrations_path",
	"database.max_open_conns", "database.max_idle_conns", "database.conn_max_lifetime",
	"redis.host", "redis.port", "redis.password", "redis.db", "redis.pool_size",
	"hsm.master_key", "hsm.salt",
	"jwt.secret_key", "jwt.expiry_hours",
	"argon2.time", "argon2.memory", "argon2.threads", "argon2.key_length", "argon2.salt_length",
	"rabbitmq.url", "speech.enabled", "gateway.sign_requests",
}

func main() {
	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}
	viper.AutomaticEnv()

	for _, key := range envKeys {
		viper.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}

	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)

	if viper.GetString("jwt.secret_key") == "" {
		log.Fatal("JWT_SECRET_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	voiceCfg := config.LoadVoiceConfig()

	// Initialize services
	db := database.InitDatabase(ctx)
	defer db.Close()

	redisClient := database.InitRedis(ctx)
	if redisClient != nil {
		defer redisClient.Close()
	}

	auditLogger := hsm.NewAuditLogger()
	if viper.GetString("hsm.salt") == "" {
		log.Println("[HSM] HSM_SALT unset; stored institution credentials will not survive a restart")
	}
	hsmServer, err := hsm.InitHSM(hsm.Config{
		MasterKey:   viper.GetString("hsm.master_key"),
		AuditLogger: auditLogger,
		Salt:        []byte(viper.GetString("hsm.salt")),
	})
	if err != nil {
		log.Fatalf("Failed to initialize HSM: %v", err)
	}

	publisher := events.NewPublisher(viper.GetString("rabbitmq.url"))
	defer publisher.Close()
	transferEvents := events.NewTransferEvents(publisher)

	var store session.Store
	var locker session.Locker
	if redisClient != nil {
		store = session.NewRedisStore(redisClient)
		locker = session.NewRedisLocker(redisClient, session.DefaultRedisLockOptions())
	} else {
		log.Println("Using in-memory sessions; run a single replica")
		memStore := session.NewMemoryStore()
		go purgeSessions(ctx, memStore, time.Minute)
		store = memStore
		locker = session.NewKeyedMutex()
	}

	gatewayOpts := gateway.DefaultOptions()
	gatewayOpts.Timeout = voiceCfg.GatewayTimeout
	gatewayOpts.Retry.MaxAttempts = voiceCfg.GatewayMaxAttempts
	gatewayOpts.Retry.BaseDelay = voiceCfg.GatewayRetryBackoff
	if viper.GetBool("gateway.sign_requests") {
		gatewayOpts.Signer = hsmServer
	}

	institutionService := services.NewInstitutionService(db, redisClient, hsmServer, nil)
	registry := gateway.NewRegistry(institutionService, hsmServer, gatewayOpts)
	institutionService.SetInvalidator(registry)

	ledger := services.NewTransferLedger(db)
	authenticator := services.NewAuthenticator(services.NewPostgresPinRepository(db), hsmServer, auditLogger, voiceCfg)
	banks := services.NewBankDirectory()

	var classifier services.Classifier
	if voiceCfg.ClassifierURL != "" {
		classifier = services.NewLLMClassifier(voiceCfg.ClassifierURL, voiceCfg.ClassifierAPIKey, voiceCfg.ClassifierModel, 10*time.Second)
		log.Printf("Using LLM intent classifier %s", voiceCfg.ClassifierModel)
	}

	orchestrator := services.NewOrchestrator(services.OrchestratorDeps{
		Store:      store,
		Locker:     locker,
		Classifier: classifier,
		Gateways:   registry,
		Pins:       authenticator,
		Transfers:  ledger,
		Events:     transferEvents,
		Audit:      auditLogger,
		Banks:      banks,
		References: hsmServer.GenerateTransactionID,
	}, voiceCfg)

	transcriber := services.NewTranscriber(ctx, viper.GetBool("speech.enabled"))
	defer transcriber.Close()

	voiceHandler := handlers.NewVoiceHandler(orchestrator, services.NewResponseComposer(nil), transcriber, authenticator)
	healthHandler := handlers.NewHealthHandler(db, redisClient)

	reaper := services.NewTransferReaper(ledger, registry, transferEvents, voiceCfg.ReaperSchedule, voiceCfg.StaleTransferAge)
	if err := reaper.Start(); err != nil {
		log.Fatalf("Failed to start transfer reaper: %v", err)
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Account-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", healthHandler.Health)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Get("/health", healthHandler.Health)
		r.Get("/banks", banks.GetAllBanks)
		r.Post("/institutions/register", institutionService.Register)
		r.Post("/institutions/login", institutionService.Login)

		// Protected endpoints (institution token required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware(redisClient))

			r.Post("/institutions/logout", institutionService.Logout)
			r.Get("/institutions/endpoints", institutionService.ShowEndpoints)
			r.Put("/institutions/endpoints", institutionService.UpdateEndpoints)

			r.Post("/voice/process-text", voiceHandler.ProcessText)
			r.Post("/voice/process-audio", voiceHandler.ProcessAudio)
			r.Post("/voice/transcribe", voiceHandler.Transcribe)
			r.Post("/voice/pin", voiceHandler.SetPin)
			r.Post("/voice/session/clear", voiceHandler.ClearSession)
			r.Get("/voice/session/{id}", voiceHandler.GetSession)
			r.Delete("/voice/session/{id}", voiceHandler.DeleteSession)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Server shutting down...")

	<-reaper.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}

func purgeSessions(ctx context.Context, store *session.MemoryStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := store.Purge(now); n > 0 {
				log.Printf("[SESSION] Purged %d expired sessions", n)
			}
		}
	}
}
