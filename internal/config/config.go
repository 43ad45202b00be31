package config

import (
	"fmt"
	"net/url"
	"time"
)

// DefaultTypingTimeout is how long a remote typing indicator stays
// active without a refresh event.
const DefaultTypingTimeout = 2 * time.Second

type Config struct {
	ServerURL     string
	Token         string
	UserId        string
	TypingTimeout time.Duration
	StatsAddr     string
}

func validateServerURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server url is missing a host")
	}
	return nil
}

func NewConfig(serverURL, token, userId string, typingTimeout time.Duration, statsAddr string) (*Config, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server url cannot be empty")
	}
	if err := validateServerURL(serverURL); err != nil {
		return nil, err
	}
	if userId == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	if typingTimeout < 0 {
		return nil, fmt.Errorf("typing timeout cannot be negative")
	}
	if typingTimeout == 0 {
		typingTimeout = DefaultTypingTimeout
	}

	return &Config{
		ServerURL:     serverURL,
		Token:         token,
		UserId:        userId,
		TypingTimeout: typingTimeout,
		StatsAddr:     statsAddr,
	}, nil
}
