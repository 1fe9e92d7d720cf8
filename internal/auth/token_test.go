package auth

import (
	"errors"
	"testing"
	"time"

	"catalog/api/internal/rbac"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "Avery",
		Role: rbac.RoleForeman,
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.Name != "Avery" || claims.Role != rbac.RoleForeman {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "Avery",
		Role: rbac.RoleForeman,
		JTI:  "jti-1",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseToken(secret, issued)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	issued, _, err := Issue([]byte("secret"), "user-1", "Avery", rbac.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := ParseToken([]byte("other"), issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
	if _, err := ParseToken([]byte("secret"), "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for malformed token, got %v", err)
	}
}

func TestIssueNormalizesUnknownRole(t *testing.T) {
	issued, claims, err := Issue([]byte("secret"), "user-1", "Avery", "superuser", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if claims.Role != rbac.RoleGuest {
		t.Fatalf("expected guest, got %q", claims.Role)
	}
	parsed, err := ParseToken([]byte("secret"), issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if parsed.JTI == "" || parsed.Role != rbac.RoleGuest {
		t.Fatalf("unexpected claims: %+v", parsed)
	}
}
