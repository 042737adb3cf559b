package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattkinnersley/script-runner/internal/engine"
	"github.com/mattkinnersley/script-runner/internal/executor"
	"github.com/mattkinnersley/script-runner/internal/server"
	"github.com/mattkinnersley/script-runner/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type response[T any] struct {
	Code      int    `json:"code"`
	Data      T      `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

type jobJSON struct {
	ID          string  `json:"id"`
	ScriptPath  string  `json:"scriptPath"`
	Status      string  `json:"status"`
	ExitCode    *int    `json:"exitCode"`
	CreatedAt   string  `json:"createdAt"`
	CompletedAt *string `json:"completedAt"`
	Output      *string `json:"output"`
}

type outputJSON struct {
	Output       string `json:"output"`
	Error        string `json:"error"`
	OutputOffset int    `json:"outputOffset"`
	ErrorOffset  int    `json:"errorOffset"`
	Status       string `json:"status"`
	ExitCode     *int   `json:"exitCode"`
}

type testEnv struct {
	srv *server.Server
	eng *engine.Engine
	ts  *httptest.Server
	dir string
}

func startTestServer(t *testing.T, maxJobs int, opts server.Options) *testEnv {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	eng := engine.New(engine.Config{
		MaxJobs:     maxJobs,
		Retention:   time.Hour,
		Timeout:     10 * time.Second,
		OutputDir:   filepath.Join(t.TempDir(), "outputs"),
		Interpreter: []string{sh},
	}, state.NewStore(), executor.NewSubprocessExecutor())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	if opts.ScriptExtension == "" {
		opts.ScriptExtension = ".sh"
	}
	opts.FollowInterval = 20 * time.Millisecond
	srv := server.New(eng, opts)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		cancel()
		require.NoError(t, <-done)
	})
	return &testEnv{srv: srv, eng: eng, ts: ts, dir: t.TempDir()}
}

func (e *testEnv) script(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body+"\n"), 0o644))
	return path
}

func call[T any](t *testing.T, method, url string, body any) response[T] {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out response[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, resp.StatusCode, out.Code, "HTTP status mirrors envelope code")
	require.NotZero(t, out.Timestamp)
	return out
}

func (e *testEnv) run(t *testing.T, path string) response[string] {
	t.Helper()
	return call[string](t, http.MethodPost, e.ts.URL+"/api/jobs/run", map[string]string{"scriptPath": path})
}

func (e *testEnv) waitStatus(t *testing.T, id, want string) jobJSON {
	t.Helper()
	var last jobJSON
	require.Eventually(t, func() bool {
		last = call[jobJSON](t, http.MethodGet, e.ts.URL+"/api/jobs/"+id, nil).Data
		return last.Status == want
	}, 10*time.Second, 20*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

func TestRunValidation(t *testing.T) {
	env := startTestServer(t, 10, server.Options{})
	existing := env.script(t, "UPPER.SH", "exit 0")
	require.NoError(t, os.Mkdir(filepath.Join(env.dir, "folder.sh"), 0o755))

	tests := []struct {
		name    string
		path    string
		code    int
		message string
	}{
		{name: "empty", path: "", code: 400, message: "scriptPath is required"},
		{name: "whitespace", path: "   ", code: 400, message: "scriptPath is required"},
		{name: "wrong extension", path: "/tmp/run.ps1", code: 400, message: "Only .sh files are allowed"},
		{name: "semicolon", path: "/tmp/a;rm.sh", code: 400, message: "ScriptPath contains forbidden characters"},
		{name: "dollar", path: "/tmp/$HOME.sh", code: 400, message: "ScriptPath contains forbidden characters"},
		{name: "newline", path: "/tmp/a\nb.sh", code: 400, message: "ScriptPath contains forbidden characters"},
		{name: "missing file", path: filepath.Join(env.dir, "missing.sh"), code: 404, message: "Script file not found"},
		{name: "directory", path: filepath.Join(env.dir, "folder.sh"), code: 404, message: "Script file not found"},
		{name: "extension is case insensitive", path: existing, code: 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.run(t, tt.path)
			require.Equal(t, tt.code, resp.Code)
			if tt.message != "" {
				require.Contains(t, resp.Message, tt.message)
				require.Empty(t, resp.Data)
			} else {
				require.Len(t, resp.Data, 32)
			}
		})
	}
	require.Len(t, env.eng.List(), 1, "rejected submissions never create jobs")
}

func TestRunRejectsMalformedBody(t *testing.T) {
	env := startTestServer(t, 10, server.Options{})
	resp, err := http.Post(env.ts.URL+"/api/jobs/run", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunAndReadOutput(t *testing.T) {
	env := startTestServer(t, 10, server.Options{})
	path := env.script(t, "hello.sh", "echo hello\necho oops >&2")

	resp := env.run(t, path)
	require.Equal(t, 200, resp.Code)
	id := resp.Data

	job := env.waitStatus(t, id, "Completed")
	require.Equal(t, path, job.ScriptPath)
	require.NotNil(t, job.ExitCode)
	require.Equal(t, 0, *job.ExitCode)
	require.Nil(t, job.Output, "job metadata never carries output")
	_, err := time.Parse("2006-01-02 15:04:05", job.CreatedAt)
	require.NoError(t, err)
	require.NotNil(t, job.CompletedAt)

	base := env.ts.URL + "/api/jobs/" + id + "/output"
	var out outputJSON
	require.Eventually(t, func() bool {
		out = call[outputJSON](t, http.MethodGet, base, nil).Data
		return out.Output != "" && out.Error != ""
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, "hello\n", out.Output)
	require.Equal(t, "oops\n", out.Error)
	require.Equal(t, 6, out.OutputOffset)
	require.Equal(t, 5, out.ErrorOffset)
	require.Equal(t, "Completed", out.Status)

	again := call[outputJSON](t, http.MethodGet, base+"?outputOffset=6&errorOffset=5", nil).Data
	require.Empty(t, again.Output)
	require.Empty(t, again.Error)
	require.Equal(t, 6, again.OutputOffset)

	partial := call[outputJSON](t, http.MethodGet, base+"?outputOffset=2&errorOffset=-4", nil).Data
	require.Equal(t, "llo\n", partial.Output)
	require.Equal(t, "oops\n", partial.Error)

	bad := call[outputJSON](t, http.MethodGet, base+"?outputOffset=abc", nil)
	require.Equal(t, 400, bad.Code)

	missing := call[outputJSON](t, http.MethodGet, env.ts.URL+"/api/jobs/nope/output", nil)
	require.Equal(t, 404, missing.Code)
}

func TestGetUnknownJob(t *testing.T) {
	env := startTestServer(t, 10, server.Options{})
	resp := call[*jobJSON](t, http.MethodGet, env.ts.URL+"/api/jobs/unknown", nil)
	require.Equal(t, 404, resp.Code)
	require.Equal(t, "Task not found", resp.Message)
	require.Nil(t, resp.Data)
}

func TestRunRejectsAtCapacity(t *testing.T) {
	env := startTestServer(t, 1, server.Options{})
	path := env.script(t, "ok.sh", "exit 0")

	first := env.run(t, path)
	require.Equal(t, 200, first.Code)
	env.waitStatus(t, first.Data, "Completed")

	second := env.run(t, path)
	require.Equal(t, 429, second.Code)
	require.Equal(t, "Task queue is full, please try again later", second.Message)
	require.Len(t, env.eng.List(), 1)
}

func TestStop(t *testing.T) {
	env := startTestServer(t, 10, server.Options{})
	id := env.run(t, env.script(t, "slow.sh", "sleep 30")).Data
	env.waitStatus(t, id, "Running")

	stop := call[bool](t, http.MethodPost, env.ts.URL+"/api/jobs/"+id+"/stop", nil)
	require.Equal(t, 200, stop.Code)
	require.True(t, stop.Data)

	job := env.waitStatus(t, id, "Cancelled")
	require.Nil(t, job.ExitCode)

	again := call[bool](t, http.MethodPost, env.ts.URL+"/api/jobs/"+id+"/stop", nil)
	require.Equal(t, 400, again.Code)

	unknown := call[bool](t, http.MethodPost, env.ts.URL+"/api/jobs/unknown/stop", nil)
	require.Equal(t, 404, unknown.Code)

	out := call[outputJSON](t, http.MethodGet, env.ts.URL+"/api/jobs/"+id+"/output", nil).Data
	require.Contains(t, out.Error, "Job was cancelled by user")
}

func TestListNewestFirst(t *testing.T) {
	env := startTestServer(t, 10, server.Options{})
	path := env.script(t, "ok.sh", "exit 0")

	var ids []string
	for range 3 {
		ids = append(ids, env.run(t, path).Data)
		time.Sleep(5 * time.Millisecond)
	}

	list := call[[]jobJSON](t, http.MethodGet, env.ts.URL+"/api/jobs", nil).Data
	require.Len(t, list, 3)
	got := make([]string, 0, len(list))
	for _, j := range list {
		got = append(got, j.ID)
	}
	require.Equal(t, []string{ids[2], ids[1], ids[0]}, got)
}

func TestStatus(t *testing.T) {
	env := startTestServer(t, 10, server.Options{})
	require.False(t, call[bool](t, http.MethodGet, env.ts.URL+"/api/status", nil).Data)

	env.srv.SetReady(true)
	require.True(t, call[bool](t, http.MethodGet, env.ts.URL+"/api/status", nil).Data)
}

func TestRateLimit(t *testing.T) {
	env := startTestServer(t, 10, server.Options{RatePermits: 2, RateWindow: time.Hour})

	for range 2 {
		require.Equal(t, 200, call[[]jobJSON](t, http.MethodGet, env.ts.URL+"/api/jobs", nil).Code)
	}
	limited := call[[]jobJSON](t, http.MethodGet, env.ts.URL+"/api/jobs", nil)
	require.Equal(t, 429, limited.Code)

	// readiness probes bypass the limiter
	require.Equal(t, 200, call[bool](t, http.MethodGet, env.ts.URL+"/api/status", nil).Code)
}

func TestFollow(t *testing.T) {
	env := startTestServer(t, 10, server.Options{})
	id := env.run(t, env.script(t, "stream.sh", "echo one\nsleep 0.3\necho two\necho warn >&2")).Data

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/jobs/" + id + "/follow"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var (
		stdout, stderr strings.Builder
		last           outputJSON
	)
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var frame outputJSON
		if err := conn.ReadJSON(&frame); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		stdout.WriteString(frame.Output)
		stderr.WriteString(frame.Error)
		last = frame
	}
	require.Equal(t, "one\ntwo\n", stdout.String())
	require.Equal(t, "warn\n", stderr.String())
	require.Equal(t, "Completed", last.Status)
	require.Equal(t, len("one\ntwo\n"), last.OutputOffset)
}

func TestFollowUnknownJob(t *testing.T) {
	env := startTestServer(t, 10, server.Options{})
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/jobs/unknown/follow"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGRPCHealth(t *testing.T) {
	env := startTestServer(t, 10, server.Options{})

	lis, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- env.srv.ServeGRPC(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	env.srv.SetReady(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	require.NoError(t, env.srv.Shutdown(ctx))
	require.NoError(t, <-served)
	require.False(t, env.srv.Ready())
}
