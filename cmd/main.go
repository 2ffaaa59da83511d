package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	cron "github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/figamore/app-attest-server/internal/app"
	"github.com/figamore/app-attest-server/internal/appattest"
	"github.com/figamore/app-attest-server/internal/config"
	"github.com/figamore/app-attest-server/internal/controllers"
	"github.com/figamore/app-attest-server/internal/middleware"
	"github.com/figamore/app-attest-server/internal/repositories"
	"github.com/figamore/app-attest-server/internal/services"
	"github.com/figamore/app-attest-server/internal/utils"
)

func main() {
	utils.InitLogger(config.AppName)
	cfg := config.LoadConfig()

	application, err := app.NewApp(cfg)
	if err != nil {
		utils.Logger.Fatal("Failed to initialize application:", err)
	}
	defer application.Close()

	//----------------------------------------------------------------------
	// Repositories & services
	//----------------------------------------------------------------------
	deviceRepo := repositories.NewDeviceRepository(application.DB)

	verifier := appattest.NewVerifier(cfg.AppleTeamID, cfg.BundleIdentifier, cfg.DevMode)
	verifier.RootPEM = cfg.AppleRootCAPEM

	attestationService := services.NewAttestationService(deviceRepo, verifier)
	nonceCleanupService := services.NewNonceCleanupService(deviceRepo)

	//----------------------------------------------------------------------
	// Controllers
	//----------------------------------------------------------------------
	attestationController := controllers.NewAttestationController(attestationService)
	healthController := controllers.NewHealthController(application)

	//----------------------------------------------------------------------
	// Router & Endpoints
	//----------------------------------------------------------------------
	router := mux.NewRouter()

	// Health
	router.HandleFunc("/health", healthController.HealthCheckHandler).Methods("GET")

	// /attest/v1
	attestRouter := router.PathPrefix("/attest").Subrouter()
	v1Router := attestRouter.PathPrefix("/v1").Subrouter()

	v1Router.HandleFunc("/nonce", attestationController.IssueNonce).Methods("POST")
	v1Router.HandleFunc("/attestation", attestationController.RegisterAttestation).Methods("POST")

	// Assertion-protected routes: every request must carry a valid
	// signature over the headers named in assertion-inputs.
	protected := v1Router.NewRoute().Subrouter()
	protected.Use(middleware.AssertionMiddleware(attestationService))
	protected.HandleFunc("/heartbeat", attestationController.Heartbeat).Methods("POST")

	//----------------------------------------------------------------------
	// Daily cleanup of never-consumed challenges
	//----------------------------------------------------------------------
	c := cron.New()
	_, schErr := c.AddFunc("20 3 * * *", func() {
		if e := nonceCleanupService.CleanupDaily(context.Background()); e != nil {
			utils.Logger.WithError(e).Error("Scheduled nonce cleanup failed")
		}
	})
	if schErr != nil {
		utils.Logger.WithError(schErr).Fatal("Failed to schedule nonce cleanup job")
	}
	c.Start()

	co := cors.New(cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Content-Type",
			middleware.HeaderDeviceID,
			middleware.HeaderKeyID,
			middleware.HeaderSignature,
			middleware.HeaderNonce,
			middleware.HeaderAssertionInputs,
		},
	})

	utils.Logger.Infof("Starting %s on port: %s", cfg.AppName, cfg.AppPort)
	if err := http.ListenAndServe(":"+cfg.AppPort, co.Handler(router)); err != nil {
		utils.Logger.Fatal("Failed to start server:", err)
	}
}
