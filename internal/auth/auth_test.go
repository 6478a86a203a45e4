package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestIssueAndParse(t *testing.T) {
	iss := NewIssuer("geoattend", "secret", 15*time.Minute, 24*time.Hour)
	pair, err := iss.Issue("dev-1", RoleDevice)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := iss.Parse(pair.AccessToken, KindAccess)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "dev-1" || claims.Role != RoleDevice {
		t.Errorf("unexpected claims %+v", claims)
	}
	if _, err := iss.Parse(pair.RefreshToken, KindAccess); !errors.Is(err, ErrWrongKind) {
		t.Errorf("refresh token accepted as access: %v", err)
	}
	if _, err := NewIssuer("other", "secret", time.Minute, time.Minute).Parse(pair.AccessToken, KindAccess); err == nil {
		t.Error("issuer mismatch accepted")
	}
	if _, err := NewIssuer("geoattend", "wrong", time.Minute, time.Minute).Parse(pair.AccessToken, KindAccess); err == nil {
		t.Error("bad key accepted")
	}
}

func TestExpiredToken(t *testing.T) {
	iss := NewIssuer("geoattend", "secret", time.Minute, time.Hour)
	base := time.Now()
	iss.Now = func() time.Time { return base }
	pair, _ := iss.Issue("dev-1", RoleDevice)
	iss.Now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := iss.Parse(pair.AccessToken, KindAccess); err == nil {
		t.Fatal("expired token accepted")
	}
	claims, fresh, err := iss.Refresh(pair.RefreshToken)
	if err != nil || claims.Subject != "dev-1" {
		t.Fatalf("refresh: %+v %v", claims, err)
	}
	if _, err := iss.Parse(fresh.AccessToken, KindAccess); err != nil {
		t.Errorf("refreshed token rejected: %v", err)
	}
}

func TestDeviceAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	iss := NewIssuer("geoattend", "secret", time.Minute, time.Hour)
	r := gin.New()
	r.GET("/me", DeviceAuth(iss), func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})
	r.GET("/admin", DeviceAuth(iss), RequireRole(RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	pair, _ := iss.Issue("dev-1", RoleDevice)

	cases := []struct {
		path, header string
		want         int
	}{
		{"/me", "", http.StatusUnauthorized},
		{"/me", "Bearer garbage", http.StatusUnauthorized},
		{"/me", "Bearer " + pair.RefreshToken, http.StatusUnauthorized},
		{"/me", "Bearer " + pair.AccessToken, http.StatusOK},
		{"/admin", "Bearer " + pair.AccessToken, http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("%s %q: got %d, want %d", tc.path, tc.header, w.Code, tc.want)
		}
		if tc.want == http.StatusOK && w.Body.String() != "dev-1" {
			t.Errorf("subject = %q", w.Body.String())
		}
	}
}
