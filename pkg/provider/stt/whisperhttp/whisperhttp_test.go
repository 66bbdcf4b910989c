package whisperhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrelvoice/kestrel/pkg/audio"
)

func testWAV(t *testing.T) []byte {
	t.Helper()
	pcm := make([]byte, 3200) // 100ms of 16kHz mono silence
	return audio.EncodeWAV(pcm, 16000, 1)
}

func TestNew_EmptyServerURL(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty server URL")
	}
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	tr, err := New("http://localhost:8080/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.serverURL != "http://localhost:8080" {
		t.Errorf("serverURL: got %q", tr.serverURL)
	}
}

func TestTranscribe(t *testing.T) {
	var gotLanguage, gotModel string
	var gotFile []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		gotLanguage = r.FormValue("language")
		gotModel = r.FormValue("model")

		f, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		buf := make([]byte, 4)
		f.Read(buf)
		gotFile = buf

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"  hello from whisper \n"}`))
	}))
	defer srv.Close()

	tr, err := New(srv.URL, WithLanguage("de"), WithModel("base.en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := tr.Transcribe(context.Background(), testWAV(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello from whisper" {
		t.Errorf("text: got %q, want %q", text, "hello from whisper")
	}
	if gotLanguage != "de" {
		t.Errorf("language field: got %q, want %q", gotLanguage, "de")
	}
	if gotModel != "base.en" {
		t.Errorf("model field: got %q, want %q", gotModel, "base.en")
	}
	if string(gotFile) != "RIFF" {
		t.Errorf("uploaded file does not start with RIFF magic: %q", gotFile)
	}
}

func TestTranscribe_OmitsEmptyModelField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		if _, ok := r.MultipartForm.Value["model"]; ok {
			t.Error("model field should be omitted when unset")
		}
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	tr, _ := New(srv.URL)
	if _, err := tr.Transcribe(context.Background(), testWAV(t)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr, _ := New(srv.URL)
	if _, err := tr.Transcribe(context.Background(), testWAV(t)); err == nil {
		t.Error("expected error for HTTP 500 response")
	}
}

func TestTranscribe_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	tr, _ := New(srv.URL)
	if _, err := tr.Transcribe(context.Background(), testWAV(t)); err == nil {
		t.Error("expected error for malformed JSON response")
	}
}

func TestTranscribe_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr, _ := New(srv.URL)
	if _, err := tr.Transcribe(ctx, testWAV(t)); err == nil {
		t.Error("expected error for cancelled context")
	}
}
