package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                      "/",
		"/metrics":                              "/metrics",
		"/v1/licenses/validate":                 "/v1/licenses/validate",
		"/v1/licenses/01ABC":                    "/v1/licenses/:id",
		"/v1/licenses/01ABC/usage":              "/v1/licenses/:id/usage",
		"/v1/licenses/01ABC/renew":              "/v1/licenses/:id/renew",
		"/v1/licenses/01ABC/deactivate":         "/v1/licenses/:id/deactivate",
		"/v1/licenses/01ABC/revoke":             "/v1/licenses/:id/revoke",
		"/v1/licenses/01ABC/audit":              "/v1/licenses/:id/audit",
		"/v1/licenses/01ABC/usage?limit=10":     "/v1/licenses/:id/usage",
		"/v1/licenses/01ABC/unexpected/deep":    "/v1/licenses/01ABC/unexpected/deep",
		"/v1/tiers":                             "/v1/tiers",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
