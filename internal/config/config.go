package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	APIURL        string
	PushURL       string
	Token         string
	UserID        string
	CacheFile     string
	TypingExpiry  time.Duration
	ClusterWindow time.Duration
	InboxPageSize int
}

func Load() (*Config, error) {
	typingExpiry, err := time.ParseDuration(getEnv("TYPING_EXPIRY", "3s"))
	if err != nil {
		return nil, err
	}

	clusterWindow, err := time.ParseDuration(getEnv("CLUSTER_WINDOW", "2m"))
	if err != nil {
		return nil, err
	}

	pageSize, err := strconv.Atoi(getEnv("INBOX_PAGE_SIZE", "20"))
	if err != nil {
		return nil, fmt.Errorf("INBOX_PAGE_SIZE is not a number: %w", err)
	}

	cfg := &Config{
		APIURL:        getEnv("MOLVA_API_URL", "http://localhost:8080"),
		PushURL:       getEnv("MOLVA_PUSH_URL", "ws://localhost:8080/api/events"),
		Token:         os.Getenv("MOLVA_TOKEN"),
		UserID:        os.Getenv("MOLVA_USER_ID"),
		CacheFile:     getEnv("MOLVA_CACHE_FILE", "molva.db"),
		TypingExpiry:  typingExpiry,
		ClusterWindow: clusterWindow,
		InboxPageSize: pageSize,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("MOLVA_TOKEN is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("MOLVA_USER_ID is required")
	}

	if c.TypingExpiry <= 0 {
		return fmt.Errorf("TYPING_EXPIRY must be greater than 0")
	}

	if c.ClusterWindow <= 0 {
		return fmt.Errorf("CLUSTER_WINDOW must be greater than 0")
	}

	if c.InboxPageSize <= 0 {
		return fmt.Errorf("INBOX_PAGE_SIZE must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
