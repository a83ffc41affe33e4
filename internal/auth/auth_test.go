package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"fieldtask/internal/core"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":  "user-123",
		"aud":  "fieldtask",
		"iss":  "https://issuer/",
		"role": "supervisor",
		"exp":  time.Now().Add(5 * time.Minute).Unix(),
		"iat":  time.Now().Add(-time.Minute).Unix(),
	}
}

func TestActorFromHeaderHS256(t *testing.T) {
	secret := []byte("test-secret")
	a := NewHMAC(secret, "fieldtask", "https://issuer/")

	actor, err := a.ActorFromHeader("Bearer " + signHS256(t, secret, baseClaims()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actor.ID != "user-123" || actor.Role != core.RoleSupervisor {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestActorFromTokenRejections(t *testing.T) {
	secret := []byte("test-secret")
	a := NewHMAC(secret, "fieldtask", "https://issuer/")

	cases := map[string]func(jwt.MapClaims){
		"expired":      func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() },
		"no exp":       func(c jwt.MapClaims) { delete(c, "exp") },
		"audience":     func(c jwt.MapClaims) { c["aud"] = "other" },
		"issuer":       func(c jwt.MapClaims) { c["iss"] = "https://evil/" },
		"missing sub":  func(c jwt.MapClaims) { delete(c, "sub") },
		"unknown role": func(c jwt.MapClaims) { c["role"] = "root" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			claims := baseClaims()
			mutate(claims)
			if _, err := a.ActorFromToken(signHS256(t, secret, claims)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := a.ActorFromToken(signHS256(t, []byte("wrong"), baseClaims())); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestDefaultRoleIsOperator(t *testing.T) {
	secret := []byte("s")
	a := NewHMAC(secret, "", "")
	claims := baseClaims()
	delete(claims, "role")

	actor, err := a.ActorFromToken(signHS256(t, secret, claims))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actor.Role != core.RoleOperator {
		t.Fatalf("expected OPERATOR, got %s", actor.Role)
	}
}

func TestBearerToken(t *testing.T) {
	if _, err := BearerToken("Basic abc"); !errors.Is(err, ErrBadAuthorization) {
		t.Fatalf("expected bad auth header, got %v", err)
	}
	if _, err := BearerToken("Bearer " + strings.Repeat(".", 1000)); !errors.Is(err, ErrBadAuthorization) {
		t.Fatalf("expected bad auth header, got %v", err)
	}
	token, err := BearerToken("bearer a.b.c")
	if err != nil || token != "a.b.c" {
		t.Fatalf("unexpected token %q, %v", token, err)
	}
	a := NewHMAC([]byte("s"), "", "")
	if _, err := a.ActorFromHeader(""); !errors.Is(err, ErrMissingAuthorization) {
		t.Fatalf("expected missing header, got %v", err)
	}
}

func TestActorContext(t *testing.T) {
	if _, ok := ActorFrom(context.Background()); ok {
		t.Fatal("empty context must not carry an actor")
	}
	ctx := WithActor(context.Background(), core.Actor{ID: "u-1", Role: core.RoleAdmin})
	actor, ok := ActorFrom(ctx)
	if !ok || actor.ID != "u-1" || actor.Role != core.RoleAdmin {
		t.Fatalf("unexpected actor %+v", actor)
	}
}
