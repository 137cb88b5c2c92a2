package tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/samelat/bogeyman/internal/domain"
)

// TestHTTPResponsesAppliedInSeqOrder holds the reply to seq 0 until seq 1
// has been answered. The peer must still see seq 0's messages first.
func TestHTTPResponsesAppliedInSeqOrder(t *testing.T) {
	answered1 := make(chan struct{})
	var once sync.Once

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			return
		}
		var req domain.Batch
		json.NewDecoder(r.Body).Decode(&req)
		resp := domain.Batch{Cmd: domain.CmdSync, Seq: req.Seq}
		switch req.Seq {
		case 0:
			select {
			case <-answered1:
			case <-time.After(5 * time.Second):
			}
			resp.Msgs = []domain.Message{{Cmd: domain.CmdStatus, ID: 1, Value: 0}}
		case 1:
			resp.Msgs = []domain.Message{{Cmd: domain.CmdSync, ID: 1, Data: []byte("after")}}
			defer once.Do(func() { close(answered1) })
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	peer := newRecordingPeer()
	client := NewHTTPClient(testLog, HTTPClientOptions{URL: srv.URL, Workers: 2, PollStep: 20 * time.Millisecond})
	client.SetPeer(peer)
	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Stop()

	got := peer.waitFor(t, 2)
	if got[0].Cmd != domain.CmdStatus || got[1].Cmd != domain.CmdSync {
		t.Fatalf("batches applied out of order: %+v", got)
	}
}

func TestHTTPClientServerExchange(t *testing.T) {
	server := NewHTTPServer(testLog, HTTPServerOptions{Address: "127.0.0.1:0"})
	serverPeer := newRecordingPeer()
	server.SetPeer(serverPeer)
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer server.Stop()

	client := NewHTTPClient(testLog, HTTPClientOptions{
		URL:      "http://" + server.Addr().String() + "/",
		Workers:  3,
		PollStep: 10 * time.Millisecond,
	})
	clientPeer := newRecordingPeer()
	client.SetPeer(clientPeer)
	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	const n = 200
	for i := 0; i < n; i++ {
		client.Dispatch(domain.Message{Cmd: domain.CmdSync, ID: 9, Data: []byte{byte(i)}})
	}
	got := serverPeer.waitFor(t, n)
	for i, m := range got[:n] {
		if m.Data[0] != byte(i) {
			t.Fatalf("message %d arrived as %d", i, m.Data[0])
		}
	}

	for i := 0; i < n; i++ {
		server.Dispatch(domain.Message{Cmd: domain.CmdSync, ID: 9, Data: []byte{byte(i)}})
	}
	back := clientPeer.waitFor(t, n)
	for i, m := range back[:n] {
		if m.Data[0] != byte(i) {
			t.Fatalf("reply %d arrived as %d", i, m.Data[0])
		}
	}

	if err := client.Stop(); err != nil {
		t.Fatal(err)
	}
	final := serverPeer.waitFor(t, n+1)
	if final[n].Cmd != domain.CmdStop {
		t.Errorf("expected stop after teardown, got %+v", final[n])
	}
}

func postBatch(t *testing.T, s *HTTPServer, cookie *http.Cookie, batch domain.Batch) (*httptest.ResponseRecorder, domain.Batch) {
	t.Helper()
	body, _ := json.Marshal(batch)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(body)))
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	var resp domain.Batch
	if rec.Code == http.StatusOK {
		json.NewDecoder(rec.Body).Decode(&resp)
	}
	return rec, resp
}

func newTestServer(t *testing.T) (*HTTPServer, *recordingPeer, *http.Cookie) {
	t.Helper()
	s := NewHTTPServer(testLog, HTTPServerOptions{Address: "127.0.0.1:0"})
	peer := newRecordingPeer()
	s.SetPeer(peer)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop() })

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != SessionCookie {
		t.Fatalf("session cookie missing: %v", cookies)
	}
	return s, peer, cookies[0]
}

func TestHTTPServerReordersRequests(t *testing.T) {
	s, peer, cookie := newTestServer(t)

	second := domain.Batch{Cmd: domain.CmdSync, Seq: 1, Msgs: []domain.Message{{Cmd: domain.CmdDisconnect, ID: 2}}}
	first := domain.Batch{Cmd: domain.CmdSync, Seq: 0, Msgs: []domain.Message{{Cmd: domain.CmdConnect, ID: 2, Addr: "a", Port: 1}}}

	_, r1 := postBatch(t, s, cookie, second)
	time.Sleep(20 * time.Millisecond)
	if len(peer.snapshot()) != 0 {
		t.Fatal("seq 1 applied before seq 0")
	}
	_, r0 := postBatch(t, s, cookie, first)

	got := peer.waitFor(t, 2)
	if got[0].Cmd != domain.CmdConnect || got[1].Cmd != domain.CmdDisconnect {
		t.Errorf("applied order %+v", got)
	}
	if r1.Seq != 0 || r0.Seq != 1 {
		t.Errorf("response seqs %d, %d; want 0, 1", r1.Seq, r0.Seq)
	}

	// A retried request gets its original reply and is not applied again.
	s.Dispatch(domain.Message{Cmd: domain.CmdStatus, ID: 2, Value: 5})
	_, replay := postBatch(t, s, cookie, first)
	if replay.Seq != 1 || len(replay.Msgs) != 0 {
		t.Errorf("replay got %+v", replay)
	}
	time.Sleep(20 * time.Millisecond)
	if len(peer.snapshot()) != 2 {
		t.Error("replayed batch applied twice")
	}
	_, next := postBatch(t, s, cookie, domain.Batch{Cmd: domain.CmdSync, Seq: 2})
	if next.Seq != 2 || len(next.Msgs) != 1 || next.Msgs[0].Value != 5 {
		t.Errorf("queued status not delivered: %+v", next)
	}
}

func TestHTTPServerRequiresSession(t *testing.T) {
	s, _, cookie := newTestServer(t)

	rec, _ := postBatch(t, s, nil, domain.Batch{Cmd: domain.CmdSync})
	if rec.Code != http.StatusForbidden {
		t.Errorf("no cookie: status %d", rec.Code)
	}
	rec, _ = postBatch(t, s, &http.Cookie{Name: SessionCookie, Value: "stale"}, domain.Batch{Cmd: domain.CmdSync})
	if rec.Code != http.StatusForbidden {
		t.Errorf("stale cookie: status %d", rec.Code)
	}

	del := httptest.NewRequest(http.MethodDelete, "/", nil)
	del.AddCookie(cookie)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, del)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status %d", rec.Code)
	}
	rec, _ = postBatch(t, s, cookie, domain.Batch{Cmd: domain.CmdSync})
	if rec.Code != http.StatusForbidden {
		t.Errorf("deleted session still accepted: %d", rec.Code)
	}
}

func TestHTTPServerBrotliResponse(t *testing.T) {
	s, _, cookie := newTestServer(t)
	s.Dispatch(domain.Message{Cmd: domain.CmdStatus, ID: 4, Value: 0})

	body, _ := json.Marshal(domain.Batch{Cmd: domain.CmdSync, Seq: 0})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(body)))
	req.AddCookie(cookie)
	req.Header.Set("Accept-Encoding", "br")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "br" {
		t.Fatal("response not brotli encoded")
	}
	var batch domain.Batch
	if err := json.NewDecoder(brotli.NewReader(rec.Body)).Decode(&batch); err != nil {
		t.Fatal(err)
	}
	if len(batch.Msgs) != 1 || batch.Msgs[0].Cmd != domain.CmdStatus || batch.Msgs[0].ID != 4 {
		t.Errorf("decoded %+v", batch)
	}
}

func TestNextPollDelay(t *testing.T) {
	var got []time.Duration
	var delay time.Duration
	for range 6 {
		delay = nextPollDelay(delay, time.Second)
		got = append(got, delay)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delays %v, want %v", got, want)
		}
	}
}

// TestHTTPClientStopsOnConflict has the server refuse every exchange as an
// already answered seq. The client must give the session up rather than
// retry forever.
func TestHTTPClientStopsOnConflict(t *testing.T) {
	var mu sync.Mutex
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			return
		}
		mu.Lock()
		posts++
		mu.Unlock()
		http.Error(w, "sequence already answered", http.StatusConflict)
	}))
	defer srv.Close()

	client := NewHTTPClient(testLog, HTTPClientOptions{URL: srv.URL, Workers: 1, RetryDelay: 10 * time.Millisecond})
	client.SetPeer(newRecordingPeer())
	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Stop()

	select {
	case <-client.Lost():
	case <-time.After(5 * time.Second):
		t.Fatal("session not reported lost")
	}
	if client.Dispatch(domain.Message{Cmd: domain.CmdDisconnect, ID: 1}) {
		t.Error("lost session still accepts messages")
	}

	mu.Lock()
	before := posts
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	after := posts
	mu.Unlock()
	if after != before {
		t.Errorf("client kept posting after the conflict: %d then %d", before, after)
	}
}
