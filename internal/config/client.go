package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lorrc/labnotify/internal/core/domain"
)

// ClientConfig configures the labwatch terminal client.
type ClientConfig struct {
	BaseURL         string
	Token           string
	UserID          uuid.UUID
	Role            domain.Role
	PollInterval    time.Duration
	PollLimit       int
	RefreshInterval time.Duration
	RequestTimeout  time.Duration

	// Dedup windows per consumer
	LabCreatedWindow      time.Duration
	LabUpdatedWindow      time.Duration
	DoctorCompletedWindow time.Duration
	DoctorUpdatedWindow   time.Duration
}

// LoadClient loads the client configuration from LABWATCH_* variables.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		BaseURL:               strings.TrimRight(getEnvOrDefault("LABWATCH_BASE_URL", "http://localhost:8080"), "/"),
		Token:                 os.Getenv("LABWATCH_TOKEN"),
		Role:                  domain.Role(getEnvOrDefault("LABWATCH_ROLE", string(domain.RoleLab))),
		PollInterval:          getDurationOrDefault("LABWATCH_POLL_INTERVAL", 15*time.Second),
		PollLimit:             getIntOrDefault("LABWATCH_POLL_LIMIT", 20),
		RefreshInterval:       getDurationOrDefault("LABWATCH_REFRESH_INTERVAL", time.Minute),
		RequestTimeout:        getDurationOrDefault("LABWATCH_REQUEST_TIMEOUT", 10*time.Second),
		LabCreatedWindow:      getDurationOrDefault("LABWATCH_DEDUP_LAB", domain.DefaultLabCreatedWindow),
		LabUpdatedWindow:      getDurationOrDefault("LABWATCH_DEDUP_LAB_UPDATED", domain.DefaultLabUpdatedWindow),
		DoctorCompletedWindow: getDurationOrDefault("LABWATCH_DEDUP_DOCTOR", domain.DefaultDoctorCompletedWindow),
		DoctorUpdatedWindow:   getDurationOrDefault("LABWATCH_DEDUP_DOCTOR_UPDATED", domain.DefaultDoctorUpdatedWindow),
	}

	var errs []string

	if id, err := uuid.Parse(os.Getenv("LABWATCH_USER_ID")); err == nil {
		cfg.UserID = id
	} else {
		errs = append(errs, "LABWATCH_USER_ID must be a valid UUID")
	}

	if cfg.Token == "" {
		errs = append(errs, "LABWATCH_TOKEN is required")
	}

	if cfg.Role != domain.RoleLab && cfg.Role != domain.RoleDoctor {
		errs = append(errs, "LABWATCH_ROLE must be lab or doctor")
	}

	if cfg.PollInterval <= 0 || cfg.PollLimit <= 0 {
		errs = append(errs, "LABWATCH_POLL_INTERVAL and LABWATCH_POLL_LIMIT must be positive")
	}

	if len(errs) > 0 {
		return nil, errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}
