package httputil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/getsentry/sentry-go"
	"github.com/pierrec/lz4/v4"

	"github.com/getsentry/stacksampler/internal/testutil"
)

func compress(t *testing.T, encoding string, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch encoding {
	case "br":
		w = brotli.NewWriter(&buf)
	case "lz4":
		w = lz4.NewWriter(&buf)
	default:
		return body
	}
	if _, err := w.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecompressPayload(t *testing.T) {
	body := []byte(`{"id":"0ee5c6e0b1e24a62a1a7d8a8c1f0d7a6"}`)
	tests := []struct {
		encoding   string
		wantStatus int
	}{
		{"", http.StatusOK},
		{"identity", http.StatusOK},
		{"br", http.StatusOK},
		{"lz4", http.StatusOK},
		{"zstd", http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.encoding, func(t *testing.T) {
			var got []byte
			handler := DecompressPayload(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var err error
				got, err = io.ReadAll(r.Body)
				if err != nil {
					t.Fatal(err)
				}
			}))
			r := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(compress(t, tt.encoding, body)))
			if tt.encoding != "" {
				r.Header.Set("Content-Encoding", tt.encoding)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if diff := testutil.Diff(got, body); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestQueryParameters(t *testing.T) {
	q, err := url.ParseQuery("filter_threshold=0.05&trim_stem=false&show_regex=%2Fapp%2F&hide_regex=&bad_float=x&bad_bool=maybe&bad_regex=(")
	if err != nil {
		t.Fatal(err)
	}

	if v, err := QueryFloat(q, "filter_threshold", 0.01); err != nil || v != 0.05 {
		t.Fatalf("QueryFloat() = %v, %v", v, err)
	}
	if v, err := QueryFloat(q, "missing", 0.01); err != nil || v != 0.01 {
		t.Fatalf("QueryFloat() = %v, %v, want fallback", v, err)
	}
	if _, err := QueryFloat(q, "bad_float", 0); err == nil {
		t.Fatal("expected an error")
	}

	if v, err := QueryBool(q, "trim_stem", true); err != nil || v {
		t.Fatalf("QueryBool() = %v, %v", v, err)
	}
	if _, err := QueryBool(q, "bad_bool", true); err == nil {
		t.Fatal("expected an error")
	}

	re, err := QueryRegexp(q, "show_regex", nil)
	if err != nil || re == nil || !re.MatchString("/srv/app/main.py") {
		t.Fatalf("QueryRegexp() = %v, %v", re, err)
	}
	if re, err := QueryRegexp(q, "hide_regex", re); err != nil || re != nil {
		t.Fatalf("QueryRegexp() = %v, %v, want cleared", re, err)
	}
	if _, err := QueryRegexp(q, "bad_regex", nil); err == nil {
		t.Fatal("expected an error")
	}
}

func TestSetHTTPStatusCodeTag(t *testing.T) {
	tests := []struct {
		name  string
		event *sentry.Event
		hint  *sentry.EventHint
		want  map[string]string
	}{
		{
			name:  "no response",
			event: &sentry.Event{},
			hint:  &sentry.EventHint{},
		},
		{
			name:  "status code",
			event: &sentry.Event{},
			hint:  &sentry.EventHint{Response: &http.Response{StatusCode: http.StatusNotFound}},
			want:  map[string]string{HTTPStatusCodeTag: "404"},
		},
		{
			name:  "existing tag",
			event: &sentry.Event{Tags: map[string]string{HTTPStatusCodeTag: "500"}},
			hint:  &sentry.EventHint{Response: &http.Response{StatusCode: http.StatusOK}},
			want:  map[string]string{HTTPStatusCodeTag: "500"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SetHTTPStatusCodeTag(tt.event, tt.hint)
			if diff := testutil.Diff(got.Tags, tt.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}
