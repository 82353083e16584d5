package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": sub,
		"aud": "api://board",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func testAuth(secret []byte) *Auth {
	return NewAuth(nil, AuthOptions{Audience: "api://board", Issuer: "https://issuer/", TestSecret: secret})
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr error
	}{
		{"Bearer header.payload.signature", "header.payload.signature", nil},
		{"  Bearer a.b.c  ", "a.b.c", nil},
		{"", "", errMissingAuthorization},
		{"   ", "", errMissingAuthorization},
		{"Basic a.b.c", "", errBadAuthorization},
		{"Bearer ", "", errBadAuthorization},
		{"Bearer " + strings.Repeat(".", 1000), "", errBadAuthorization},
	}
	for _, tc := range cases {
		got, err := bearerToken(tc.raw)
		if err != tc.wantErr || got != tc.want {
			t.Fatalf("bearerToken(%q) = %q, %v; want %q, %v", tc.raw, got, err, tc.want, tc.wantErr)
		}
	}
}

func TestWSAuthHeaderFallsBackToQueryToken(t *testing.T) {
	if got := wsAuthHeader("", "a.b.c"); got != "Bearer a.b.c" {
		t.Fatalf("got %q", got)
	}
	if got := wsAuthHeader("Bearer x.y.z", "a.b.c"); got != "Bearer x.y.z" {
		t.Fatalf("header must win, got %q", got)
	}
}

func TestUserIDFromAuthHeaderHS256(t *testing.T) {
	secret := []byte("test-secret")
	auth := testAuth(secret)

	userID, err := auth.UserIDFromAuthHeader("Bearer " + signHS256(t, secret, validClaims("user-123")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromAuthHeaderRejects(t *testing.T) {
	secret := []byte("test-secret")
	auth := testAuth(secret)

	expired := validClaims("u")
	expired["exp"] = time.Now().Add(-5 * time.Minute).Unix()
	wrongAudience := validClaims("u")
	wrongAudience["aud"] = "api://other"
	wrongIssuer := validClaims("u")
	wrongIssuer["iss"] = "https://evil/"
	noSubject := validClaims("")

	cases := map[string]string{
		"expired":        signHS256(t, secret, expired),
		"wrong audience": signHS256(t, secret, wrongAudience),
		"wrong issuer":   signHS256(t, secret, wrongIssuer),
		"missing sub":    signHS256(t, secret, noSubject),
		"wrong secret":   signHS256(t, []byte("other"), validClaims("u")),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := auth.UserIDFromAuthHeader("Bearer " + token); err == nil {
				t.Fatalf("expected rejection")
			}
		})
	}
}

func TestRS256WithoutJWKSFails(t *testing.T) {
	auth := NewAuth(nil, AuthOptions{})
	if auth.TestMode {
		t.Fatalf("test mode enabled without a secret")
	}
	token := signHS256(t, []byte("s"), validClaims("u"))
	if _, err := auth.UserIDFromToken(token); err == nil {
		t.Fatalf("HS256 token accepted outside test mode")
	}
}
