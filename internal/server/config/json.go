package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/flagx"
	"github.com/dmitrijs2005/gophauth/internal/timex"
)

// JsonConfig is the on-disk shape of the optional config file. Durations
// accept "15m"-style strings or integer nanoseconds. Absent keys leave the
// current value untouched.
type JsonConfig struct {
	EndpointAddrGRPC string `json:"endpoint_addr_grpc"`
	EndpointAddrHTTP string `json:"endpoint_addr_http"`
	DatabaseDSN      string `json:"database_dsn"`
	SecretKey        string `json:"secret_key"`

	SessionValidityDuration       timex.Duration `json:"session_validity_duration"`
	MFAPendingValidityDuration    timex.Duration `json:"mfa_pending_validity_duration"`
	InviteValidityDuration        timex.Duration `json:"invite_validity_duration"`
	PasswordResetValidityDuration timex.Duration `json:"password_reset_validity_duration"`
	SessionPurgeInterval          timex.Duration `json:"session_purge_interval"`
	MFAFailureWindow              timex.Duration `json:"mfa_failure_window"`
	MFAMaxFailedAttempts          int            `json:"mfa_max_failed_attempts"`

	GoogleClientID string `json:"google_client_id"`
	TOTPIssuer     string `json:"totp_issuer"`
	AppBaseURL     string `json:"app_base_url"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUser     string `json:"smtp_user"`
	SMTPPassword string `json:"smtp_password"`
	SMTPFrom     string `json:"smtp_from"`

	LogFormat  string `json:"log_format"`
	LogLevel   string `json:"log_level"`
	BcryptCost int    `json:"bcrypt_cost"`
}

// parseJson overlays values from the JSON file named by -c/-config.
// Without the flag nothing is loaded.
func parseJson(config *Config, args []string) error {
	path := flagx.ConfigFile(args)
	if path == "" {
		return nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)

	setDuration(&config.SessionValidityDuration, c.SessionValidityDuration)
	setDuration(&config.MFAPendingValidityDuration, c.MFAPendingValidityDuration)
	setDuration(&config.InviteValidityDuration, c.InviteValidityDuration)
	setDuration(&config.PasswordResetValidityDuration, c.PasswordResetValidityDuration)
	setDuration(&config.SessionPurgeInterval, c.SessionPurgeInterval)
	setDuration(&config.MFAFailureWindow, c.MFAFailureWindow)
	setInt(&config.MFAMaxFailedAttempts, c.MFAMaxFailedAttempts)

	setString(&config.GoogleClientID, c.GoogleClientID)
	setString(&config.TOTPIssuer, c.TOTPIssuer)
	setString(&config.AppBaseURL, c.AppBaseURL)

	setString(&config.SMTPHost, c.SMTPHost)
	setInt(&config.SMTPPort, c.SMTPPort)
	setString(&config.SMTPUser, c.SMTPUser)
	setString(&config.SMTPPassword, c.SMTPPassword)
	setString(&config.SMTPFrom, c.SMTPFrom)

	setString(&config.LogFormat, c.LogFormat)
	setString(&config.LogLevel, c.LogLevel)
	setInt(&config.BcryptCost, c.BcryptCost)

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Std() != 0 {
		*dst = v.Std()
	}
}
