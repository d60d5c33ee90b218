package config

import (
	"strings"
)

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetAdminEmail() string
	GetAdminPassword() string
}

type EnvVars struct {
	Port          string `env:"PORT,default=8080"`
	AppName       string `env:"APP_NAME,default=Go Session Auth"`
	Env           string `env:"ENV,default=DEV"`
	LogLevel      string `env:"LOG_LEVEL,default=info"`
	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetPort() string {
	if strings.HasPrefix(e.Port, ":") {
		return e.Port
	}
	return ":" + e.Port
}

func (e EnvVars) GetAppName() string {
	return e.AppName
}

func (e EnvVars) GetEnv() string {
	return e.Env
}

func (e EnvVars) GetLogLevel() string {
	return e.LogLevel
}

// GetAdminEmail returns the account seeded at start-up; empty disables seeding.
func (e EnvVars) GetAdminEmail() string {
	return e.AdminEmail
}

func (e EnvVars) GetAdminPassword() string {
	return e.AdminPassword
}
