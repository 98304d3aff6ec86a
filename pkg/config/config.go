package config

import (
	"log"
	"os"
	"strconv"
)

// GetString returns the environment variable's value, or fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt parses the environment variable as an int; unset or unparsable
// values yield fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("cannot parse %s as int: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool parses the environment variable as a bool; unset or unparsable
// values yield fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("cannot parse %s as bool: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}
