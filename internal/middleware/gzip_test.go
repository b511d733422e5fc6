package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// sponsorEcho отвечает JSON с полями формы обещания, как это делает API.
func sponsorEcho(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if r.PostForm.Get("user") == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"user cannot be blank","code":"INVALID_REQUEST"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"user":   r.PostForm.Get("user"),
		"amount": r.PostForm.Get("amount"),
	})
}

func gzipBytes(t *testing.T, data string) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(data)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestGzipMiddleware(t *testing.T) {
	form := url.Values{"user": {"alice"}, "amount": {"50"}}.Encode()

	type want struct {
		statusCode      int
		contentEncoding string
		bodyContains    string
	}

	tests := []struct {
		name           string
		form           string
		gzipRequest    bool
		acceptEncoding string
		want           want
	}{
		{
			name:           "json response compressed",
			form:           form,
			acceptEncoding: "gzip, deflate",
			want: want{
				statusCode:      http.StatusOK,
				contentEncoding: "gzip",
				bodyContains:    `"user":"alice"`,
			},
		},
		{
			name: "client does not accept gzip",
			form: form,
			want: want{
				statusCode:   http.StatusOK,
				bodyContains: `"amount":"50"`,
			},
		},
		{
			name:           "compressed form body",
			form:           form,
			gzipRequest:    true,
			acceptEncoding: "gzip",
			want: want{
				statusCode:      http.StatusOK,
				contentEncoding: "gzip",
				bodyContains:    `"user":"alice"`,
			},
		},
		{
			name:           "error response is not compressed",
			form:           url.Values{"amount": {"50"}}.Encode(),
			acceptEncoding: "gzip",
			want: want{
				statusCode:   http.StatusBadRequest,
				bodyContains: "INVALID_REQUEST",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(tt.form)
			if tt.gzipRequest {
				body = gzipBytes(t, tt.form)
			}

			req := httptest.NewRequest(http.MethodPost, "/issue/42/sponsorships", body)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.gzipRequest {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(sponsorEcho)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != tt.want.statusCode {
				t.Fatalf("status: got %d want %d", res.StatusCode, tt.want.statusCode)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.want.contentEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.want.contentEncoding)
			}

			var reader io.Reader = res.Body
			if tt.want.contentEncoding == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer gr.Close()
				reader = gr
			}

			got, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if !strings.Contains(string(got), tt.want.bodyContains) {
				t.Fatalf("body %q does not contain %q", string(got), tt.want.bodyContains)
			}
		})
	}
}

func TestGzipMiddlewareInvalidBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/issue/42/sponsorships", strings.NewReader("user=alice"))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	called := false
	GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(w, req)

	if called {
		t.Fatalf("next handler must not be called for broken gzip body")
	}
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
	}
	if !strings.Contains(w.Body.String(), "INVALID_REQUEST") {
		t.Fatalf("unexpected body %q", w.Body.String())
	}
}
