package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophauth/internal/flagx"
)

var serverFlags = []string{"-a", "-http", "-d", "-s", "-t", "-l", "-google-client-id"}

// parseFlags overlays the flags below onto config. Other arguments (such as
// -c or -env-file) are filtered out first.
//
//	-a string                 gRPC bind address
//	-http string              HTTP bind address
//	-d string                 PostgreSQL DSN
//	-s string                 JWT HMAC secret key
//	-t duration               session validity (e.g. 12h)
//	-l string                 log level
//	-google-client-id string  expected audience of Google ID tokens
func parseFlags(config *Config, args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "gRPC address and port")
	fs.StringVar(&config.EndpointAddrHTTP, "http", config.EndpointAddrHTTP, "HTTP address and port")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.DurationVar(&config.SessionValidityDuration, "t", config.SessionValidityDuration, "session validity duration")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.GoogleClientID, "google-client-id", config.GoogleClientID, "Google OAuth client id")

	if err := fs.Parse(flagx.FilterArgs(args, serverFlags)); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	return nil
}
