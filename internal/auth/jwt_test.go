package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignAndVerify(t *testing.T) {
	v := NewVerifier("s3cret")
	tok, err := v.Sign(Identity{UserID: "u1", Email: "u1@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.Email != "u1@example.com" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("s3cret")
	good, _ := v.Sign(Identity{UserID: "u1", Email: "e"}, time.Hour)

	other, _ := NewVerifier("different").Sign(Identity{UserID: "u1", Email: "e"}, time.Hour)
	noEmail, _ := v.Sign(Identity{UserID: "u1"}, time.Hour)

	expired := NewVerifier("s3cret")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _ := expired.Sign(Identity{UserID: "u1", Email: "e"}, time.Hour)

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"userId": "u1", "email": "e"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"wrong secret":  other,
		"missing email": noEmail,
		"expired":       old,
		"alg none":      none,
		"garbage":       "not.a.token",
		"tampered":      good + "x",
	}
	for name, tok := range cases {
		if _, err := v.Verify(tok); err != ErrInvalidToken {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("s3cret")
	var seen Identity
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	tok, _ := v.Sign(Identity{UserID: "u9", Email: "u9@example.com"}, time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen.UserID != "u9" {
		t.Fatalf("expected pass-through, got %d %+v", rec.Code, seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?token="+tok, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected query token accepted, got %d", rec.Code)
	}
}
