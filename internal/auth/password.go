// ABOUTME: Password hashing and verification using bcrypt
// ABOUTME: Also provides loopback detection for local-trust connections

package auth

import (
	"net"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword produces a bcrypt hash suitable for the config file's
// auth.password_hash field.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored bcrypt hash.
func VerifyPassword(hash, password string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// IsLoopback reports whether the remote address is a loopback IP.
// Connections from localhost are trusted without credentials.
func IsLoopback(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
