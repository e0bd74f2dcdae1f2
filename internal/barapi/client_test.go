package barapi

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, apiURL, downloadURL string) *Client {
	t.Helper()
	client, err := NewClient(Options{
		BaseURL:         apiURL,
		DownloadBaseURL: downloadURL,
		UserAgent:       "bar-api-scraper-test/1.0",
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestSearchReplaysQueryContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/replays" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		q := r.URL.Query()
		if got := q.Get("page"); got != "3" {
			t.Errorf("page = %q, want 3", got)
		}
		if got := q.Get("limit"); got != "50" {
			t.Errorf("limit = %q, want 50", got)
		}
		if got := q.Get("hasBots"); got != "false" {
			t.Errorf("hasBots = %q, want false", got)
		}
		if got := q.Get("endedNormally"); got != "true" {
			t.Errorf("endedNormally = %q, want true", got)
		}
		if dates := q["date"]; len(dates) != 2 || dates[0] != "2024-01-01" || dates[1] != "2024-01-31" {
			t.Errorf("date params = %v", dates)
		}
		if maps := q["maps"]; len(maps) != 1 || maps[0] != "Supreme Isthmus" {
			t.Errorf("maps params = %v", maps)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":[{"id":"id-A","startTime":"2024-01-02T10:00:00Z","mapName":"Supreme Isthmus"}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, srv.URL)
	records, err := client.SearchReplays(context.Background(), SearchQuery{
		FromDate: "2024-01-01",
		ToDate:   "2024-01-31",
		PageSize: 50,
		Maps:     []string{"Supreme Isthmus"},
	}, 3)
	if err != nil {
		t.Fatalf("SearchReplays: %v", err)
	}
	if len(records) != 1 || records[0].ID != "id-A" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].DateBucket() != "2024-01-02" {
		t.Errorf("bucket = %q", records[0].DateBucket())
	}
}

func TestSearchReplaysEmptyPageIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, srv.URL)
	records, err := client.SearchReplays(context.Background(), SearchQuery{FromDate: "2024-01-01", ToDate: "2024-01-01", PageSize: 10}, 1)
	if err != nil {
		t.Fatalf("SearchReplays: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty page, got %d records", len(records))
	}
}

func TestSearchReplaysServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, srv.URL)
	if _, err := client.SearchReplays(context.Background(), SearchQuery{FromDate: "2024-01-01", ToDate: "2024-01-01", PageSize: 10}, 1); err == nil {
		t.Fatal("expected error on 502 response")
	}
}

func TestFetchReplayKeepsRawBody(t *testing.T) {
	const body = `{"id":"id-A","fileName":"2024-01-02_match.sdz","startTime":"2024-01-02T10:00:00Z","extra":{"players":8}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/replays/id-A" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		io.WriteString(w, body)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, srv.URL)
	detail, err := client.FetchReplay(context.Background(), "id-A")
	if err != nil {
		t.Fatalf("FetchReplay: %v", err)
	}
	if detail.FileName != "2024-01-02_match.sdz" {
		t.Errorf("fileName = %q", detail.FileName)
	}
	if string(detail.Raw) != body {
		t.Errorf("raw body was not preserved verbatim:\n got %q\nwant %q", detail.Raw, body)
	}
}

func TestFetchReplayGzipResponse(t *testing.T) {
	const body = `{"id":"id-A","fileName":"match.sdz","startTime":"2024-01-02T10:00:00Z"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		io.WriteString(gz, body)
		gz.Close()
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, srv.URL)
	detail, err := client.FetchReplay(context.Background(), "id-A")
	if err != nil {
		t.Fatalf("FetchReplay: %v", err)
	}
	if string(detail.Raw) != body {
		t.Errorf("gzip body mismatch: got %q", detail.Raw)
	}
}

func TestFetchReplayRequiresFileName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"id-A","startTime":"2024-01-02T10:00:00Z"}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, srv.URL)
	if _, err := client.FetchReplay(context.Background(), "id-A"); err == nil {
		t.Fatal("expected error for metadata without a file name")
	}
}

func TestDownloadArtifact(t *testing.T) {
	payload := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/match.sdz" {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, srv.URL)

	body, err := client.DownloadArtifact(context.Background(), "match.sdz")
	if err != nil {
		t.Fatalf("DownloadArtifact: %v", err)
	}
	defer body.Close()
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("artifact payload mismatch: %d bytes vs %d", len(got), len(payload))
	}

	if _, err := client.DownloadArtifact(context.Background(), "missing.sdz"); err == nil {
		t.Fatal("expected error for missing artifact")
	}
}

func TestPacerNilWhenUnconfigured(t *testing.T) {
	if p := NewPacer(PacerSettings{}); p != nil {
		t.Fatal("expected nil pacer without constraints")
	}
	var p *Pacer
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("nil pacer Wait: %v", err)
	}
}

func TestPacerEnforcesDelay(t *testing.T) {
	p := NewPacer(PacerSettings{Delay: 30 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	if err := p.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("second request ran after %v, want >= 30ms", elapsed)
	}
}

func TestPacerHonoursCancellation(t *testing.T) {
	p := NewPacer(PacerSettings{Delay: time.Minute})
	ctx := context.Background()
	if err := p.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := p.Wait(cancelled); err == nil {
		t.Fatal("expected context error from cancelled wait")
	}
}
