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
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/televisit/backend/docs"
	"github.com/televisit/backend/internal/config"
	"github.com/televisit/backend/internal/database"
	"github.com/televisit/backend/internal/handlers"
	mW "github.com/televisit/backend/internal/middleware"
	"github.com/televisit/backend/internal/services"
)

// @title Televisit Backend API
// @version 1.0
// @description API for telemedicine appointment and credit coordination
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

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
	viper.BindEnv("video.app_id", "VIDEO_APP_ID")
	viper.BindEnv("video.app_certificate", "VIDEO_APP_CERTIFICATE")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Televisit Backend API"
	docs.SwaggerInfo.Description = "API for telemedicine appointment and credit coordination"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	creditCfg := config.LoadCreditConfig()

	ledgerService := services.NewLedgerService(db, creditCfg)
	userService := services.NewUserService(db, ledgerService, creditCfg)
	scheduleService := services.NewScheduleService(db, redisClient, creditCfg)
	videoProvisioner := services.NewAgoraProvisioner()
	appointmentService := services.NewAppointmentService(db, ledgerService, scheduleService, videoProvisioner, creditCfg)
	payoutService := services.NewPayoutService(db, ledgerService, creditCfg)
	sessionQRService := services.NewSessionQRService(redisClient, appointmentService)
	sessionQRHandler := handlers.NewSessionQRHandler(db, sessionQRService)

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

	// Static file server for profile images and credential documents
	r.Handle("/static/profiles/*", http.StripPrefix("/static/profiles/",
		mW.StaticFileServer("./static/profiles")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/sessions/redeem", sessionQRHandler.RedeemSessionQR)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			// User lifecycle
			r.Post("/users/sync", userService.SyncUser)
			r.Get("/users/me", userService.GetCurrentUser)
			r.Post("/users/role", userService.SetUserRole)

			// Credit ledger
			r.Get("/credits/balance", ledgerService.GetBalance)
			r.Post("/credits/grant", ledgerService.GrantMonthly)
			r.Get("/credits/entries", ledgerService.ListEntries)

			// Doctor directory and availability
			r.Get("/doctors/specialty/{specialty}", userService.ListDoctorsBySpecialty)
			r.Get("/doctors/{doctorId}", userService.GetDoctor)
			r.Get("/doctors/{doctorId}/slots", scheduleService.GetDoctorSlots)
			r.Post("/doctors/availability", scheduleService.UpdateAvailability)
			r.Get("/doctors/availability", scheduleService.GetAvailability)

			// Appointments
			r.Post("/appointments", appointmentService.BookAppointment)
			r.Get("/appointments", appointmentService.ListAppointments)
			r.Post("/appointments/{appointmentId}/cancel", appointmentService.CancelAppointment)
			r.Post("/appointments/{appointmentId}/complete", appointmentService.CompleteAppointment)
			r.Put("/appointments/{appointmentId}/notes", appointmentService.AddAppointmentNotes)
			r.Get("/appointments/{appointmentId}/token", appointmentService.GetJoinToken)
			r.Post("/appointments/{appointmentId}/session-qr", sessionQRHandler.GenerateSessionQR)

			// Payouts
			r.Post("/payouts", payoutService.RequestPayout)
			r.Get("/payouts", payoutService.ListMyPayouts)
			r.Get("/payouts/earnings", payoutService.GetEarnings)

			// Admin
			r.Get("/admin/doctors/pending", userService.ListPendingDoctors)
			r.Get("/admin/doctors/verified", userService.ListVerifiedDoctors)
			r.Put("/admin/doctors/{doctorId}/status", userService.SetDoctorStatus)
			r.Put("/admin/doctors/{doctorId}/suspend", userService.SuspendDoctorHandler)
			r.Get("/admin/payouts/pending", payoutService.ListPendingPayouts)
			r.Post("/admin/payouts/{payoutId}/approve", payoutService.ApprovePayout)
			r.Post("/admin/credits/adjust", ledgerService.Adjust)
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

	// Wait for interrupt signal
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
