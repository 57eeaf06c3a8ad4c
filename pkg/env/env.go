package env

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// TokenKey is the environment variable holding the relay bearer token.
const TokenKey = "DISKTROSYNC_TOKEN"

// LoadEnv loads the given .env files (or ./.env when none are given) into
// the process environment. A missing file is not an error.
func LoadEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}
