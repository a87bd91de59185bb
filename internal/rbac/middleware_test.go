package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"convo-engine/internal/auth"
)

func serve(t *testing.T, id auth.Identity, chain ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handlers := []gin.HandlerFunc{func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}}
	handlers = append(handlers, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusOK) })

	r := gin.New()
	r.GET("/x", handlers...)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole(t *testing.T) {
	tests := []struct {
		name string
		role string
		want int
	}{
		{"super admin bypasses", RoleSuperAdmin, http.StatusOK},
		{"supervisor allowed", RoleSupervisor, http.StatusOK},
		{"agent denied", RoleAgent, http.StatusForbidden},
		{"missing role", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := auth.Identity{UserID: "u", TenantID: "t", Role: tt.role}
			if got := serve(t, id, RequireTenant(), RequireAnyRole(Managers...)); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestRequireTenant(t *testing.T) {
	if got := serve(t, auth.Identity{UserID: "u", Role: RoleOwner}, RequireTenant()); got != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", got)
	}
	if got := serve(t, auth.Identity{}, RequireTenant()); got != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", got)
	}
}
