package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/jrsteele09/go-session-auth/internal/errors"
	"github.com/jrsteele09/go-session-auth/users"
)

// InitialiseSystem seeds the configured admin user when it does not exist yet.
// A generated password is returned (and logged once) when none was configured.
func (s *Server) InitialiseSystem(ctx context.Context) (generatedPassword string, err error) {
	adminEmail := s.config.GetAdminEmail()
	if adminEmail == "" {
		return "", nil
	}

	generatedPassword, err = s.createAdmin(ctx, adminEmail, s.config.GetAdminPassword())
	if err != nil {
		return "", err
	}
	if generatedPassword != "" && s.config.GetAdminPassword() == "" {
		s.logger.Warn().
			Str("email", adminEmail).
			Str("password", generatedPassword).
			Msg("admin user created with a generated password")
	}
	return generatedPassword, nil
}

// createAdmin creates the admin user if none exists
func (s *Server) createAdmin(ctx context.Context, adminUserEmail, defaultPassword string) (generatedPassword string, err error) {
	existingUser, err := s.deps.Users.GetByEmail(ctx, adminUserEmail)
	if err == nil && existingUser != nil {
		return "", nil
	}
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return "", fmt.Errorf("[server createAdmin] failed to look up admin: %w", err)
	}

	generatedPassword = defaultPassword

	if generatedPassword == "" {
		// Generate a secure random password
		passwordBytes := make([]byte, 16)
		if _, err := rand.Read(passwordBytes); err != nil {
			return "", fmt.Errorf("[server createAdmin] failed to generate password: %w", err)
		}
		generatedPassword = base64.URLEncoding.EncodeToString(passwordBytes)
	} else if err := users.ValidatePasswordStrength(generatedPassword); err != nil {
		return "", fmt.Errorf("[server createAdmin] admin password rejected: %w", err)
	}

	passwordHash, err := users.HashPassword(generatedPassword)
	if err != nil {
		return "", fmt.Errorf("[server createAdmin] failed to hash password: %w", err)
	}

	adminUser := &users.User{
		Email:        users.NormalizeEmail(adminUserEmail),
		PasswordHash: passwordHash,
		Role:         users.RoleAdmin,
		DateJoined:   time.Now(),
	}

	if err := s.deps.Users.Upsert(ctx, adminUser); err != nil {
		return "", fmt.Errorf("[server createAdmin] failed to create admin: %w", err)
	}
	return generatedPassword, nil
}
