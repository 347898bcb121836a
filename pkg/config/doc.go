// Package config loads configuration structs from environment variables
// (with optional .env support) via caarlos0/env field tags. Every package in
// this module declares its own Config struct; this is the one place that
// parses them.
package config
