package status

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nugget/reeve/internal/spawn"
)

type fakeSource struct {
	runs []spawn.RunInfo
}

func (f *fakeSource) RunningCommands() []spawn.RunInfo {
	return f.runs
}

func startServer(t *testing.T, source RunSource) *Server {
	t.Helper()
	s := NewServer("host01", source, nil)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func getStatus(t *testing.T, s *Server, path string) statusDocument {
	t.Helper()
	resp, err := http.Get("http://" + s.Addr() + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d", path, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var doc statusDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return doc
}

func TestStatusListsRunningCommands(t *testing.T) {
	t.Parallel()

	source := &fakeSource{runs: []spawn.RunInfo{
		{Target: "dev01", Command: "/usr/bin/python /usr/bin/yadtshell update", PID: 4711},
	}}
	s := startServer(t, source)

	doc := getStatus(t, s, "/status")
	if !strings.Contains(doc.Name, "host01") {
		t.Errorf("Name = %q, want hostname included", doc.Name)
	}
	if len(doc.RunningCommands) != 1 {
		t.Fatalf("RunningCommands = %v", doc.RunningCommands)
	}
	if doc.RunningCommands[0].PID != 4711 || doc.RunningCommands[0].Target != "dev01" {
		t.Errorf("RunningCommands[0] = %+v", doc.RunningCommands[0])
	}
}

func TestStatusOnRootPath(t *testing.T) {
	t.Parallel()

	s := startServer(t, &fakeSource{})
	doc := getStatus(t, s, "/")
	if doc.RunningCommands == nil || len(doc.RunningCommands) != 0 {
		t.Errorf("RunningCommands = %#v, want empty list", doc.RunningCommands)
	}
}

func TestStatusRejectsOtherPaths(t *testing.T) {
	t.Parallel()

	s := startServer(t, &fakeSource{})
	resp, err := http.Get("http://" + s.Addr() + "/secrets")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
