package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New("test-secret", "admin", "s3cret", "", time.Hour)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func TestLoginAndValidate(t *testing.T) {
	a := newTestAuth(t)

	tok, exp, err := a.Login(context.Background(), "admin", "s3cret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("expiry %v is in the past", exp)
	}

	claims, err := a.Validate(tok)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.Subject != "admin" || claims.Role != "operator" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	a := newTestAuth(t)
	tests := []struct{ user, pass string }{
		{"admin", "wrong"},
		{"root", "s3cret"},
		{"", ""},
	}
	for _, tt := range tests {
		if _, _, err := a.Login(context.Background(), tt.user, tt.pass); !errors.Is(err, ErrBadCredentials) {
			t.Errorf("Login(%q, %q) error = %v", tt.user, tt.pass, err)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	a := newTestAuth(t)
	tok, _, _ := a.Issue("admin")

	other, _ := New("other-secret", "admin", "s3cret", "", time.Hour)
	if _, err := other.Validate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate(wrong secret) error = %v", err)
	}

	a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := a.Validate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate(expired) error = %v", err)
	}

	if _, err := a.Validate("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate(garbage) error = %v", err)
	}
}

func TestNewWithHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	a, err := New("secret", "op", "", string(hash), 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, _, err := a.Login(context.Background(), "op", "pw"); err != nil {
		t.Errorf("Login() error = %v", err)
	}

	if _, err := New("secret", "op", "", "not-bcrypt", 0); err == nil {
		t.Error("New() accepted an invalid hash")
	}
	if _, err := New("secret", "op", "", "", 0); err == nil {
		t.Error("New() accepted missing credentials")
	}
	if _, err := New("", "op", "pw", "", 0); err == nil {
		t.Error("New() accepted an empty secret")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v", tt.header, got, ok)
		}
	}
}
