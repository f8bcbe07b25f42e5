// Package config provides environment-based configuration.
//
// Loads from the process environment (a .env file is read by main via
// godotenv before Load runs). Validates required fields at startup so a
// misconfigured instance fails fast instead of refusing connections later.
package config
