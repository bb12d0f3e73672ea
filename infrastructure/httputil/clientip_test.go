package httputil

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPResolutionOrder(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{
			name:    "cf-connecting-ip wins",
			headers: map[string]string{"Cf-Connecting-Ip": "1.1.1.1", "X-Real-Ip": "2.2.2.2", "X-Forwarded-For": "3.3.3.3"},
			remote:  "4.4.4.4:1234",
			want:    "1.1.1.1",
		},
		{
			name:    "x-real-ip second",
			headers: map[string]string{"X-Real-Ip": "2.2.2.2", "X-Forwarded-For": "3.3.3.3"},
			remote:  "4.4.4.4:1234",
			want:    "2.2.2.2",
		},
		{
			name:    "first x-forwarded-for entry",
			headers: map[string]string{"X-Forwarded-For": "3.3.3.3, 9.9.9.9, 8.8.8.8"},
			remote:  "4.4.4.4:1234",
			want:    "3.3.3.3",
		},
		{
			name:   "remote addr fallback strips port",
			remote: "4.4.4.4:1234",
			want:   "4.4.4.4",
		},
		{
			name:    "port stripped from header value",
			headers: map[string]string{"X-Real-Ip": "2.2.2.2:9000"},
			remote:  "4.4.4.4:1234",
			want:    "2.2.2.2",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r); got != tc.want {
				t.Errorf("ClientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClientIPNilRequest(t *testing.T) {
	if got := ClientIP(nil); got != "" {
		t.Errorf("ClientIP(nil) = %q, want empty", got)
	}
}
