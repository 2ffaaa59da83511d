package config

import (
	"os"
	"regexp"

	"github.com/figamore/app-attest-server/internal/appattest"
	"github.com/figamore/app-attest-server/internal/utils"
)

const AppName = "app-attest-server"

// Config holds all application configuration. Read-only after LoadConfig.
type Config struct {
	AppName          string
	AppPort          string
	DBUrl            string
	AppleTeamID      string
	BundleIdentifier string

	// DevMode selects the App Attest development environment
	// (AAGUID "appattestdevelop"). Disabled when ENV=production.
	DevMode bool

	// AppleRootCAPEM is the x5c trust anchor. Defaults to the embedded
	// Apple App Attest Root CA; APP_ATTEST_ROOT_CA_FILE overrides it.
	AppleRootCAPEM []byte
}

var (
	teamIDRegex   = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	bundleIDRegex = regexp.MustCompile(`^[a-zA-Z0-9-]+(\.[a-zA-Z0-9-]+)+$`)
)

// LoadConfig reads the environment and fatals on anything missing or
// malformed; a half-configured verifier must never serve traffic.
func LoadConfig() *Config {
	utils.Logger.Info("Loading config for app: ", AppName)

	env := os.Getenv("ENV")
	if env == "" {
		utils.Logger.Fatal("ENV env var is missing")
	}

	appPort := os.Getenv("APP_PORT")
	if appPort == "" {
		utils.Logger.Fatal("APP_PORT env var is missing")
	}

	dbUrl := os.Getenv("DB_URL")
	if dbUrl == "" {
		utils.Logger.Fatal("DB_URL env var is missing")
	}

	teamID := os.Getenv("APPLE_TEAM_ID")
	if !teamIDRegex.MatchString(teamID) {
		utils.Logger.Fatal("APPLE_TEAM_ID env var is missing or not a 10-char team id")
	}

	bundleID := os.Getenv("BUNDLE_IDENTIFIER")
	if !bundleIDRegex.MatchString(bundleID) {
		utils.Logger.Fatal("BUNDLE_IDENTIFIER env var is missing or not reverse-DNS")
	}

	rootPEM := []byte(appattest.AppleAppAttestRootCA)
	if path := os.Getenv("APP_ATTEST_ROOT_CA_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			utils.Logger.WithError(err).Fatal("Failed to read APP_ATTEST_ROOT_CA_FILE")
		}
		rootPEM = data
		utils.Logger.Warnf("Using trust anchor override from %s", path)
	}

	devMode := env != "production"
	utils.Logger.Infof("App Attest environment: devMode=%v", devMode)

	return &Config{
		AppName:          AppName,
		AppPort:          appPort,
		DBUrl:            dbUrl,
		AppleTeamID:      teamID,
		BundleIdentifier: bundleID,
		DevMode:          devMode,
		AppleRootCAPEM:   rootPEM,
	}
}
