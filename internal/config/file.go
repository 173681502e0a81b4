package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML config file schema. Zero values mean "not set";
// pointer fields distinguish an explicit zero or empty value.
//
//	listenAddr: ":3001"
//	corsOrigin: "https://app.example.com"
//	mode: prod
//	rooms:
//	  maxPeers: 2
//	  timeoutMs: 3600000
//	  sweepInterval: 1m
//	  duplicatePeerPolicy: reject
//	signaling:
//	  idleTimeout: 60s
//	  pingInterval: 20s
//	events:
//	  amqpUrl: ${EVENTS_AMQP_URL}
type fileConfig struct {
	ListenAddr      string        `yaml:"listenAddr"`
	CORSOrigin      *string       `yaml:"corsOrigin"`
	Mode            string        `yaml:"mode"`
	LogFormat       string        `yaml:"logFormat"`
	LogLevel        string        `yaml:"logLevel"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	Rooms struct {
		MaxPeers            int           `yaml:"maxPeers"`
		TimeoutMS           int64         `yaml:"timeoutMs"`
		SweepInterval       time.Duration `yaml:"sweepInterval"`
		DuplicatePeerPolicy string        `yaml:"duplicatePeerPolicy"`
	} `yaml:"rooms"`

	Signaling struct {
		IdleTimeout       time.Duration `yaml:"idleTimeout"`
		PingInterval      time.Duration `yaml:"pingInterval"`
		MaxMessageBytes   int64         `yaml:"maxMessageBytes"`
		MessagesPerSecond *int          `yaml:"messagesPerSecond"`
		MaxRateViolations int           `yaml:"maxRateViolations"`
		SendQueue         int           `yaml:"sendQueue"`
	} `yaml:"signaling"`

	Events struct {
		AMQPURL  string `yaml:"amqpUrl"`
		Exchange string `yaml:"exchange"`
	} `yaml:"events"`
}

func readFileConfig(path string, lookup func(string) (string, bool)) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file: %w", err)
	}
	return parseFileConfig(raw, lookup)
}

// parseFileConfig decodes a YAML config, expanding ${VAR} references from
// lookup first. Unknown keys are rejected.
func parseFileConfig(raw []byte, lookup func(string) (string, bool)) (fileConfig, error) {
	expanded := os.Expand(string(raw), func(key string) string {
		v, _ := lookup(key)
		return v
	})

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fileConfig{}, fmt.Errorf("parse config file: %w", err)
	}
	return fc, nil
}
