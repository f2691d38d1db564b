package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/keyforge/backend/docs"
	"github.com/keyforge/backend/internal/database"
	mW "github.com/keyforge/backend/internal/middleware"
	"github.com/keyforge/backend/internal/services"
	"github.com/keyforge/backend/internal/ws"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title KeyForge Licensing API
// @version 1.0
// @description Multi-tenant license and authentication backend
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "KeyForge Licensing API"
	docs.SwaggerInfo.Description = "Multi-tenant license and authentication backend"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	mW.InitAuthMiddleware(redisClient)

	hub := ws.NewHub()
	wsHandler := ws.NewHandler(db, hub)

	webhooks := services.NewWebhookNotifier()
	ledgerService := services.NewLedgerService(db)
	licenseService := services.NewLicenseService(db, redisClient, ledgerService)
	ticketService := services.NewTicketService(db, ledgerService, hub)
	resellerService := services.NewResellerService(db, ledgerService)
	appService := services.NewAppService(db)
	userService := services.NewUserService(db)
	authService := services.NewAuthService(db, redisClient, licenseService, webhooks)

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Ticket subscription sockets (token auth in query string)
	r.Get("/ws/tickets/{ticketId}", wsHandler.ServeTicket)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/admin/login", authService.AdminLogin)
		r.Post("/auth/reseller/login", authService.ResellerLogin)
		r.Post("/auth/logout", authService.Logout)

		// Client SDK surface, authenticated by app secret
		r.Route("/client", func(r chi.Router) {
			r.Post("/init", authService.Init)
			r.Post("/register", authService.Register)
			r.Post("/login", authService.Login)
			r.Post("/license", authService.LicenseLogin)
			r.Post("/validate", authService.Validate)
			r.Post("/vars", authService.Vars)
		})

		// Admin portal
		r.Route("/admin", func(r chi.Router) {
			r.Use(mW.RequireRole(mW.RoleAdmin))

			r.Post("/apps", appService.CreateApp)
			r.Get("/apps", appService.ListApps)
			r.Put("/apps/{appId}", appService.UpdateApp)
			r.Delete("/apps/{appId}", appService.DeleteApp)
			r.Get("/apps/{appId}/logs", appService.ListAppLogs)
			r.Get("/apps/{appId}/vars", appService.ListVariables)
			r.Put("/apps/{appId}/vars", appService.SetVariable)
			r.Delete("/apps/{appId}/vars/{key}", appService.DeleteVariable)

			r.Get("/users", userService.ListUsers)
			r.Get("/users/{userId}", userService.GetUser)
			r.Post("/users/{userId}/ban", userService.BanUser)
			r.Post("/users/{userId}/unban", userService.UnbanUser)
			r.Delete("/users/{userId}", userService.DeleteUser)

			r.Post("/resellers", resellerService.CreateReseller)
			r.Get("/resellers", resellerService.ListResellers)
			r.Get("/resellers/{resellerId}", resellerService.GetReseller)
			r.Put("/resellers/{resellerId}", resellerService.UpdateReseller)
			r.Delete("/resellers/{resellerId}", resellerService.DeleteReseller)
			r.Post("/resellers/{resellerId}/apps/{appId}", resellerService.AssignApp)
			r.Delete("/resellers/{resellerId}/apps/{appId}", resellerService.RemoveApp)

			r.Post("/credits/assign", resellerService.AssignCredits)
			r.Get("/credits/transactions", resellerService.ListTransactions)

			r.Post("/licenses", licenseService.CreateLicenses)
			r.Get("/licenses", licenseService.ListLicenses)
			r.Post("/licenses/reset-hwid", licenseService.ResetHwid)
			r.Delete("/licenses/{licenseId}", licenseService.DeleteLicense)
			r.Get("/licenses/{licenseId}/qr", licenseService.LicenseQR)

			r.Post("/tickets", ticketService.CreateTicket)
			r.Get("/tickets", ticketService.ListTickets)
			r.Get("/tickets/{ticketId}", ticketService.GetTicket)
			r.Put("/tickets/{ticketId}", ticketService.UpdateTicket)
			r.Post("/tickets/{ticketId}/messages", ticketService.AddMessage)
			r.Post("/tickets/{ticketId}/messages/{messageId}/attachments", ticketService.AddAttachment)
			r.Get("/tickets/{ticketId}/attachments/{attachmentId}", ticketService.DownloadAttachment)
			r.Post("/tickets/{ticketId}/approve-topup", ticketService.ApproveTopupHandler)
		})

		// Reseller portal
		r.Route("/reseller", func(r chi.Router) {
			r.Use(mW.RequireRole(mW.RoleReseller))

			r.Get("/profile", resellerService.Profile)
			r.Get("/apps", resellerService.ListGrantedApps)
			r.Get("/credits/transactions", resellerService.ListTransactions)

			r.Post("/licenses/generate", licenseService.GenerateReseller)
			r.Get("/licenses", licenseService.ListResellerLicenses)

			r.Post("/tickets", ticketService.CreateTicket)
			r.Get("/tickets", ticketService.ListTickets)
			r.Get("/tickets/{ticketId}", ticketService.GetTicket)
			r.Post("/tickets/{ticketId}/messages", ticketService.AddMessage)
			r.Post("/tickets/{ticketId}/messages/{messageId}/attachments", ticketService.AddAttachment)
			r.Get("/tickets/{ticketId}/attachments/{attachmentId}", ticketService.DownloadAttachment)
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
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
