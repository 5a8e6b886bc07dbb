package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-relay/internal/engine"
	"github.com/vnmchuo/llm-relay/internal/job"
	"github.com/vnmchuo/llm-relay/internal/store"
)

type runtimeFixture struct {
	mr        *miniredis.Miniredis
	st        store.Store
	commands  chan Command
	responses chan Response
	cancel    context.CancelFunc
}

func startRuntime(t *testing.T, mr *miniredis.Miniredis, engines []engine.Config) *runtimeFixture {
	t.Helper()

	st, err := store.Open(store.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &runtimeFixture{
		mr:        mr,
		st:        st,
		commands:  make(chan Command, 8),
		responses: make(chan Response, 16),
		cancel:    cancel,
	}

	go Run(ctx, Config{
		ID:      "w1",
		Engines: engines,
		Store:   store.Options{Addr: mr.Addr()},
	}, f.commands, f.responses)

	return f
}

func (f *runtimeFixture) waitResponse(t *testing.T, action string) Response {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case resp, ok := <-f.responses:
			if !ok {
				t.Fatalf("response channel closed while waiting for %s", action)
			}
			if resp.Action == action {
				return resp
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", action)
		}
	}
}

func seedJob(t *testing.T, mr *miniredis.Miniredis, j *job.Job) {
	t.Helper()
	data, err := j.MarshalBinary()
	require.NoError(t, err)
	mr.Set(j.Key(), string(data))
}

func ollamaServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model":    "llama3.2",
			"message":  map[string]string{"role": "assistant", "content": content},
			"response": content,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRuntimeSignalsReadyAndIdle(t *testing.T) {
	mr := miniredis.RunT(t)
	f := startRuntime(t, mr, nil)

	f.waitResponse(t, ResponseReady)

	status, err := mr.Get(StatusKey("w1"))
	require.NoError(t, err)
	assert.Equal(t, "1", status)
}

func TestRuntimeProcessesDispatchedChat(t *testing.T) {
	mr := miniredis.RunT(t)
	server := ollamaServer(t, "hello back")

	f := startRuntime(t, mr, []engine.Config{
		{Name: "ollama", Kind: "ollama", BaseURL: server.URL},
	})
	f.waitResponse(t, ResponseReady)

	j := job.New(job.Payload{
		Action:    job.ActionChat,
		Messages:  []job.Message{{Role: "user", Content: "hello"}},
		ChannelID: "chan-1",
	}, "ollama", 0)
	seedJob(t, mr, j)

	sub, err := f.st.Subscribe(context.Background(), "discord")
	require.NoError(t, err)

	f.commands <- Command{JobID: j.ID}

	resp := f.waitResponse(t, ResponseComplete)
	assert.Equal(t, j.ID, resp.Job)

	// Typing indicator first, then the routed result.
	var events []string
	for i := 0; i < 2; i++ {
		select {
		case payload := <-sub:
			events = append(events, payload)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for notification")
		}
	}
	assert.Contains(t, events[0], "send:typing")
	assert.Contains(t, events[1], "send:channel")
	assert.Contains(t, events[1], "hello back")

	// Worker returns to idle with no claim.
	status, err := mr.Get(StatusKey("w1"))
	require.NoError(t, err)
	assert.Equal(t, "1", status)
	claim, err := mr.Get(JobKey("w1"))
	require.NoError(t, err)
	assert.Equal(t, "", claim)
}

func TestRuntimeReportsMissingJob(t *testing.T) {
	mr := miniredis.RunT(t)
	f := startRuntime(t, mr, nil)
	f.waitResponse(t, ResponseReady)

	f.commands <- Command{JobID: "no-such-job"}

	resp := f.waitResponse(t, ResponseError)
	assert.Equal(t, "no-such-job", resp.Job)
	assert.Contains(t, resp.Message, "job not found")

	// A processing failure is not a crash; the worker goes back to idle.
	status, err := mr.Get(StatusKey("w1"))
	require.NoError(t, err)
	assert.Equal(t, "1", status)
}

func TestRuntimeResumesClaimedJobOnRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	server := ollamaServer(t, "resumed result")

	j := job.New(job.Payload{
		Action: job.ActionGenerate,
		Prompt: "continue",
		UserID: "u1",
	}, "ollama", 0)
	seedJob(t, mr, j)

	// A previous life died mid-job: busy status plus a persisted claim.
	mr.Set(StatusKey("w1"), "2")
	mr.Set(JobKey("w1"), j.ID)

	f := startRuntime(t, mr, []engine.Config{
		{Name: "ollama", Kind: "ollama", BaseURL: server.URL},
	})

	f.waitResponse(t, ResponseReady)
	resp := f.waitResponse(t, ResponseComplete)
	assert.Equal(t, j.ID, resp.Job)
}

func TestRuntimeRepairsBusyWithoutClaim(t *testing.T) {
	mr := miniredis.RunT(t)

	mr.Set(StatusKey("w1"), "2")

	f := startRuntime(t, mr, nil)
	f.waitResponse(t, ResponseReady)

	status, err := mr.Get(StatusKey("w1"))
	require.NoError(t, err)
	assert.Equal(t, "1", status)
}

func TestRuntimeTerminateCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	f := startRuntime(t, mr, nil)
	f.waitResponse(t, ResponseReady)

	f.commands <- Command{Action: ActionTerminate}
	f.waitResponse(t, ResponseTerminate)

	// The response channel closes when the runtime exits.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-f.responses:
			if !ok {
				status, err := mr.Get(StatusKey("w1"))
				require.NoError(t, err)
				assert.Equal(t, "3", status)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for runtime exit")
		}
	}
}

func TestRuntimeStatusCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	f := startRuntime(t, mr, nil)
	f.waitResponse(t, ResponseReady)

	f.commands <- Command{Action: ActionStatus}

	resp := f.waitResponse(t, ResponseStatus)
	assert.Equal(t, StatusIdle, resp.State)
}

func TestRuntimeUnknownCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	f := startRuntime(t, mr, nil)
	f.waitResponse(t, ResponseReady)

	f.commands <- Command{Action: "dance"}

	resp := f.waitResponse(t, ResponseUnknown)
	cmd, ok := resp.Payload.(Command)
	require.True(t, ok)
	assert.Equal(t, "dance", cmd.Action)
}

func TestRuntimeFailedJobNotifiesRequester(t *testing.T) {
	mr := miniredis.RunT(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	t.Cleanup(server.Close)

	f := startRuntime(t, mr, []engine.Config{
		{Name: "ollama", Kind: "ollama", BaseURL: server.URL},
	})
	f.waitResponse(t, ResponseReady)

	j := job.New(job.Payload{
		Action: job.ActionGenerate,
		Prompt: "hi",
		UserID: "u1",
	}, "ollama", 0)
	seedJob(t, mr, j)

	sub, err := f.st.Subscribe(context.Background(), "discord")
	require.NoError(t, err)

	f.commands <- Command{JobID: j.ID}

	resp := f.waitResponse(t, ResponseError)
	assert.Equal(t, j.ID, resp.Job)

	select {
	case payload := <-sub:
		assert.Contains(t, payload, "send:user")
		assert.Contains(t, payload, "error")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure notification")
	}
}
