package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRole(role string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), RoleKey, role)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec)
}

func TestRequireRole_AllowsMatchingRole(t *testing.T) {
	c := contextWithRole(RoleStaff)

	called := false
	handler := func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	}

	if err := RequireRole(RoleStaff)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestRequireRole_AdminBypassesCheck(t *testing.T) {
	c := contextWithRole(RoleAdmin)

	called := false
	handler := func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	}

	if err := RequireRole(RoleDoctor)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected admin to pass any role check")
	}
}

func TestRequireRole_RejectsOtherRole(t *testing.T) {
	c := contextWithRole(RolePatient)

	handler := func(c echo.Context) error {
		t.Error("handler should not be called")
		return nil
	}

	err := RequireRole(RoleStaff, RoleDoctor)(handler)(c)
	if err == nil {
		t.Fatal("expected error for insufficient role")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestRequireRole_RejectsMissingRole(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := RequireRole(RoleStaff)(func(c echo.Context) error { return nil })(c)
	if err == nil {
		t.Fatal("expected error when no role on context")
	}
}

func TestRequireRole_MultipleAllowedRoles(t *testing.T) {
	for _, role := range []string{RoleStaff, RoleDoctor} {
		c := contextWithRole(role)
		called := false
		handler := func(c echo.Context) error {
			called = true
			return c.String(http.StatusOK, "ok")
		}
		if err := RequireRole(RoleStaff, RoleDoctor)(handler)(c); err != nil {
			t.Fatalf("role %s: unexpected error: %v", role, err)
		}
		if !called {
			t.Errorf("role %s: expected handler to be called", role)
		}
	}
}
