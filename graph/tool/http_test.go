package tool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPFetchGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Write([]byte("page content"))
	}))
	defer srv.Close()

	def := NewHTTPFetch(srv.Client())
	out, err := def.Execute(context.Background(), map[string]interface{}{"url": srv.URL})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	doc, ok := out.(Document)
	if !ok {
		t.Fatalf("expected Document, got %T", out)
	}
	if doc.Body != "page content" || doc.Source != srv.URL {
		t.Errorf("unexpected document: %+v", doc)
	}
}

func TestHTTPFetchPostSendsBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	def := NewHTTPFetch(srv.Client())
	_, err := def.Execute(context.Background(), map[string]interface{}{
		"url":    srv.URL,
		"method": "post",
		"body":   `{"q":"paris"}`,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if gotBody != `{"q":"paris"}` {
		t.Errorf("request body not forwarded: %q", gotBody)
	}
}

func TestHTTPFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	def := NewHTTPFetch(srv.Client())

	t.Run("missing url", func(t *testing.T) {
		if _, err := def.Execute(context.Background(), map[string]interface{}{}); err == nil {
			t.Fatal("expected error for missing url")
		}
	})

	t.Run("unsupported method", func(t *testing.T) {
		_, err := def.Execute(context.Background(), map[string]interface{}{"url": srv.URL, "method": "DELETE"})
		if err == nil {
			t.Fatal("expected error for unsupported method")
		}
	})

	t.Run("non-2xx status", func(t *testing.T) {
		if _, err := def.Execute(context.Background(), map[string]interface{}{"url": srv.URL}); err == nil {
			t.Fatal("expected error for 404 response")
		}
	})
}
