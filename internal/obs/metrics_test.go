package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                          "/",
		"/metrics":                  "/metrics",
		"/v1/users/abc":             "/v1/users/:id",
		"/v1/users/abc/ban":         "/v1/users/:id/ban",
		"/v1/roles/r1":              "/v1/roles/:id",
		"/v1/roles/r1/permissions":  "/v1/roles/:id/permissions",
		"/v1/tenants/t1/suspend":    "/v1/tenants/:id/suspend",
		"/v1/audit":                 "/v1/audit",
		"/v1/audit?action=X":        "/v1/audit",
		"/v1/auth/login":            "/v1/auth/login",
		"/v1/users/abc/extra/stuff": "/v1/users/abc/extra/stuff",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
