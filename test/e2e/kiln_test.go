package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 50 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
	exited chan error
	once   sync.Once
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "kiln-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "kiln")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/kiln")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// startServer runs "kiln serve" against dbPath with one device unit and the
// countdown block. Extra env entries override the defaults.
func startServer(t *testing.T, binary, dbPath string, env ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, "serve")
	cmd.Env = append(os.Environ(),
		"KILN_LISTEN_ADDR="+addr,
		"KILN_DB_PATH="+dbPath,
		"KILN_LOG_LEVEL=debug",
		"KILN_DEVICES=1",
		"KILN_REQUIRE_DEVICE=true",
		"KILN_BLOCK=countdown",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
		exited: make(chan error, 1),
	}
	go func() { sp.exited <- cmd.Wait() }()

	t.Cleanup(sp.kill)

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// kill stops the process without a graceful shutdown.
func (sp *serverProc) kill() {
	sp.once.Do(func() {
		_ = sp.cmd.Process.Kill()
		select {
		case <-sp.exited:
		case <-time.After(5 * time.Second):
		}
	})
}

func (sp *serverProc) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(sp.url+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp.Body)
}

func (sp *serverProc) fetch(t *testing.T, token string) map[string]any {
	t.Helper()
	resp, err := http.Get(sp.url + "/v1/jobs/" + token)
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("fetch status = %d, want 200", resp.StatusCode)
	}
	return decodeBody(t, resp.Body)
}

func (sp *serverProc) submit(t *testing.T, config string) string {
	t.Helper()
	code, body := sp.post(t, "/v1/jobs", `{"config":`+config+`}`)
	if code != 202 {
		t.Fatalf("submit status = %d, want 202 (body %v)", code, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("submit returned no token: %v", body)
	}
	return token
}

func (sp *serverProc) pollStatus(t *testing.T, token, expected string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		last = sp.fetch(t, token)
		if jobStatus(last) == expected {
			return last
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("job %s did not reach %q within %v (last %v)", token, expected, timeout, last)
	return nil
}

func jobStatus(body map[string]any) string {
	status, _ := body["status"].(map[string]any)
	s, _ := status["status"].(string)
	return s
}

func decodeBody(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r).Decode(&body); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestServeStartsAndReportsHealth(t *testing.T) {
	sp := startServer(t, getBinary(t), filepath.Join(t.TempDir(), "kiln.db"))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	body := decodeBody(t, resp.Body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestMetricsExposed(t *testing.T) {
	sp := startServer(t, getBinary(t), filepath.Join(t.TempDir(), "kiln.db"))
	token := sp.submit(t, `{"steps":1,"delay_ms":1}`)
	sp.pollStatus(t, token, "complete", 5*time.Second)

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	for _, name := range []string{
		"kiln_http_requests_total",
		"kiln_jobs_succeeded_total",
		"kiln_job_duration_seconds",
		"kiln_resource_units_occupied",
	} {
		if !bytes.Contains(raw, []byte(name)) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestCountdownLifecycle(t *testing.T) {
	sp := startServer(t, getBinary(t), filepath.Join(t.TempDir(), "kiln.db"))

	token := sp.submit(t, `{"steps":3,"delay_ms":20}`)
	body := sp.pollStatus(t, token, "complete", 10*time.Second)

	output, _ := body["output"].(map[string]any)
	if output["remaining"] != float64(0) || output["steps"] != float64(3) {
		t.Errorf("output = %v, want remaining 0 steps 3", output)
	}
}

func TestFailedJobReportsError(t *testing.T) {
	sp := startServer(t, getBinary(t), filepath.Join(t.TempDir(), "kiln.db"))

	token := sp.submit(t, `{"steps":3,"delay_ms":1,"fail_at":1}`)
	body := sp.pollStatus(t, token, "failed", 10*time.Second)

	errMsg, _ := body["error"].(string)
	if !strings.Contains(errMsg, "countdown failed at step 1") {
		t.Errorf("error = %q", errMsg)
	}

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("a failed job must not halt the worker, healthz = %d", resp.StatusCode)
	}
}

func TestRestartFailsInterruptedJob(t *testing.T) {
	binary := getBinary(t)
	dbPath := filepath.Join(t.TempDir(), "kiln.db")

	sp := startServer(t, binary, dbPath)
	running := sp.submit(t, `{"steps":1000,"delay_ms":50}`)
	sp.pollStatus(t, running, "running", 5*time.Second)
	waiting := sp.submit(t, `{"steps":1,"delay_ms":1}`)
	sp.pollStatus(t, waiting, "queued", 5*time.Second)
	sp.kill()

	sp = startServer(t, binary, dbPath)
	body := sp.pollStatus(t, running, "failed", 5*time.Second)
	if errMsg, _ := body["error"].(string); !strings.Contains(errMsg, "worker restarted") {
		t.Errorf("error = %q, want worker restarted", errMsg)
	}
	sp.pollStatus(t, waiting, "complete", 10*time.Second)
}

func TestStopEndpointShutsDown(t *testing.T) {
	sp := startServer(t, getBinary(t), filepath.Join(t.TempDir(), "kiln.db"))

	code, body := sp.post(t, "/v1/stop", `{"grace_seconds":1}`)
	if code != 202 {
		t.Fatalf("stop status = %d, want 202 (body %v)", code, body)
	}

	select {
	case err := <-sp.exited:
		if err != nil {
			t.Errorf("server exited with %v\nstdout:\n%s", err, sp.stdout.String())
		}
		sp.exited <- err
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not exit after stop\nstdout:\n%s", sp.stdout.String())
	}
}

func TestStructuredJSONLogs(t *testing.T) {
	sp := startServer(t, getBinary(t), filepath.Join(t.TempDir(), "kiln.db"))

	resp, err := http.Get(sp.url + "/v1/queue")
	if err != nil {
		t.Fatalf("GET /v1/queue: %v", err)
	}
	resp.Body.Close()

	// Poll for log output with a deadline.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), `"path":"/v1/queue"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	found := false
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry["msg"] == "request" && entry["path"] == "/v1/queue" {
			found = true
			for _, key := range []string{"method", "status", "duration_ms", "request_id"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing field %q", key)
				}
			}
		}
	}
	if !found {
		t.Errorf("no structured request log found in stdout\noutput:\n%s", sp.stdout.String())
	}
}
