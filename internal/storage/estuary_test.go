package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newEstuaryTestServer(t *testing.T, failUploads int) (*httptest.Server, *int) {
	t.Helper()
	uploads := 0
	mux := http.NewServeMux()

	var server *httptest.Server

	mux.HandleFunc("/viewer", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"settings":{"uploadEndpoints":["%s/content/add"]}}`, server.URL)
	})
	mux.HandleFunc("/content/add", func(w http.ResponseWriter, r *http.Request) {
		uploads++
		if uploads <= failUploads {
			http.Error(w, "shuttle overloaded", http.StatusBadGateway)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, "bad multipart", http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("data"); err != nil {
			http.Error(w, "missing data part", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"cid":"bafytestcid","estuaryId":777}`)
	})
	mux.HandleFunc("/pinning/pins", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"estuaryId":1,"pin":{"name":"a.car","cid":"bafya"}},{"estuaryId":2,"pin":{"name":"b.car","cid":"bafyb"}}]}`)
	})
	mux.HandleFunc("/pinning/pins/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &uploads
}

func writeTestArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.car")
	if err := os.WriteFile(path, []byte("archive bytes"), 0o644); err != nil {
		t.Fatalf("failed to write archive: %v", err)
	}
	return path
}

func TestEstuaryListPins(t *testing.T) {
	server, _ := newEstuaryTestServer(t, 0)
	client := NewEstuaryClient(server.URL, server.URL, "test-key")

	pins, err := client.ListPins(context.Background())
	if err != nil {
		t.Fatalf("ListPins failed: %v", err)
	}
	if len(pins) != 2 {
		t.Fatalf("expected 2 pins, got %d", len(pins))
	}
	if pins[0].CID != "bafya" || pins[0].EstuaryID != 1 || pins[0].Filename != "a.car" {
		t.Errorf("unexpected pin: %+v", pins[0])
	}
}

func TestEstuaryUploadArchive(t *testing.T) {
	server, uploads := newEstuaryTestServer(t, 0)
	client := NewEstuaryClient(server.URL, server.URL, "test-key")

	result, err := client.UploadArchive(context.Background(), writeTestArchive(t), 3)
	if err != nil {
		t.Fatalf("UploadArchive failed: %v", err)
	}
	if result.CID != "bafytestcid" || result.EstuaryID != 777 {
		t.Errorf("unexpected result: %+v", result)
	}
	if *uploads != 1 {
		t.Errorf("expected 1 upload attempt, got %d", *uploads)
	}
}

func TestEstuaryUploadArchiveRetries(t *testing.T) {
	server, uploads := newEstuaryTestServer(t, 2)
	client := NewEstuaryClient(server.URL, server.URL, "test-key")

	result, err := client.UploadArchive(context.Background(), writeTestArchive(t), 3)
	if err != nil {
		t.Fatalf("UploadArchive failed after retries: %v", err)
	}
	if result.CID != "bafytestcid" {
		t.Errorf("unexpected cid: %s", result.CID)
	}
	if *uploads != 3 {
		t.Errorf("expected 3 upload attempts, got %d", *uploads)
	}
}

func TestEstuaryUploadArchiveExhausted(t *testing.T) {
	server, uploads := newEstuaryTestServer(t, 10)
	client := NewEstuaryClient(server.URL, server.URL, "test-key")

	if _, err := client.UploadArchive(context.Background(), writeTestArchive(t), 3); err == nil {
		t.Fatal("expected error after exhausted attempts")
	}
	if *uploads != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", *uploads)
	}
}

func TestEstuaryDeletePin(t *testing.T) {
	server, _ := newEstuaryTestServer(t, 0)
	client := NewEstuaryClient(server.URL, server.URL, "test-key")

	if err := client.DeletePin(context.Background(), 42, 3); err != nil {
		t.Fatalf("DeletePin failed: %v", err)
	}
}

func TestEstuaryDeletePinExhausted(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()
	client := NewEstuaryClient(server.URL, server.URL, "test-key")

	if err := client.DeletePin(context.Background(), 42, 5); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 5 {
		t.Errorf("expected 5 attempts, got %d", attempts)
	}
}

func TestEstuaryFetchArchive(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ipfs/bafytestcid" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "archive content")
	}))
	defer gateway.Close()
	client := NewEstuaryClient(gateway.URL, gateway.URL, "test-key")

	dest := filepath.Join(t.TempDir(), "fetched.car")
	if err := client.FetchArchive(context.Background(), "bafytestcid", dest); err != nil {
		t.Fatalf("FetchArchive failed: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("missing fetched archive: %v", err)
	}
	if string(data) != "archive content" {
		t.Errorf("unexpected content: %q", data)
	}
}
