package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookAuth(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cases := []struct {
		name       string
		configured string
		header     string
		wantStatus int
	}{
		{"valid token", "secret-token", "Bearer secret-token", http.StatusOK},
		{"wrong token", "secret-token", "Bearer other-token", http.StatusUnauthorized},
		{"missing header", "secret-token", "", http.StatusUnauthorized},
		{"malformed header", "secret-token", "secret-token", http.StatusUnauthorized},
		{"not configured", "", "Bearer secret-token", http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := WebhookAuth(tc.configured)(next)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/media/jobs/x/images", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rec.Code)
			}
		})
	}
}
