package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/karaoke-pitch-service/internal/coordinator"
	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

type recordedAPI struct {
	mu       sync.Mutex
	commands []protocol.Command
	pushes   []protocol.Push
}

func (a *recordedAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tabs/{id}/relay", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.StateResponse{Pitch: 1, Speed: 1})
	})
	mux.HandleFunc("POST /tabs/{id}/relay", func(w http.ResponseWriter, r *http.Request) {
		var push protocol.Push
		json.NewDecoder(r.Body).Decode(&push)
		a.mu.Lock()
		a.pushes = append(a.pushes, push)
		a.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /tabs/{id}/commands", func(w http.ResponseWriter, r *http.Request) {
		var cmd protocol.Command
		json.NewDecoder(r.Body).Decode(&cmd)
		a.mu.Lock()
		a.commands = append(a.commands, cmd)
		a.mu.Unlock()
		json.NewEncoder(w).Encode(protocol.StateResponse{Pitch: 0, Speed: 1, Capturing: cmd.Action == protocol.ActionStartCapture})
	})
	mux.HandleFunc("GET /tabs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]coordinator.TabSnapshot{{TabID: 4, Pitch: -2, Speed: 1, BadgeText: "-2"}})
	})
	return mux
}

func execute(t *testing.T, url string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs(append([]string{"--server", url, "--retries", "0"}, args...))
	require.NoError(t, root.Execute())
	return out.String()
}

func TestPitchUp(t *testing.T) {
	api := &recordedAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	out := execute(t, srv.URL, "pitch", "up", "4")
	assert.Contains(t, out, "Status: Connected")
	assert.Contains(t, out, "+2 st")

	require.Len(t, api.commands, 1)
	assert.Equal(t, protocol.Command{Action: protocol.ActionSetPitch, Value: 2, TabID: 4}, api.commands[0])
	assert.Equal(t, []protocol.Push{{Action: protocol.PushSetPitchFromPanel, Value: 2}}, api.pushes)
}

func TestSpeedAndCapture(t *testing.T) {
	api := &recordedAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	out := execute(t, srv.URL, "speed", "4", "1.25")
	assert.Contains(t, out, "[1.25x]")

	out = execute(t, srv.URL, "start", "4")
	assert.Contains(t, out, "capturing=true")

	require.Len(t, api.commands, 2)
	assert.Equal(t, protocol.ActionStartCapture, api.commands[1].Action)
}

func TestTabsTable(t *testing.T) {
	api := &recordedAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	out := execute(t, srv.URL, "tabs")
	assert.Contains(t, out, "TAB")
	assert.Contains(t, out, "-2 st")
}

func TestInvalidTab(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"pitch", "up", "zero"})
	assert.Error(t, root.Execute())
}
