package instance

import (
	"os"

	"github.com/angelmondragon/genstudio-backend/pkg/env"
)

// GetID names the running replica for logs. Heroku dynos expose DYNO; other
// hosts set WORKER_ID or fall back to the hostname.
func GetID() string {
	if id := env.First("DYNO", "WORKER_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
