// Package config provides centralized configuration management for the
// OpenLake runtime, covering the API server, warehouse access, task
// orchestration, model providers, and observability concerns.
package config
