package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cloudless/autoheal/pkg/reporting"
)

// fakeEngine is an in-memory Requester. Responses are keyed by
// "METHOD path"; unknown keys answer 404.
type fakeEngine struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     []string
	stream    string
	streamErr error
	query     string
}

type fakeResponse struct {
	status int
	body   string
	err    error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{responses: make(map[string]fakeResponse)}
}

func (f *fakeEngine) on(method, path string, status int, body string) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method+" "+path] = fakeResponse{status: status, body: body}
	return f
}

func (f *fakeEngine) fail(method, path string, err error) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method+" "+path] = fakeResponse{err: err}
	return f
}

// withContainer registers a healthy inspect response for id.
func (f *fakeEngine) withContainer(id string) *fakeEngine {
	return f.on(http.MethodGet, "containers/"+id+"/json", http.StatusOK, containerJSON(id))
}

func (f *fakeEngine) Request(_ context.Context, method, path, _ string, _ map[string]string, _ time.Duration) (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := method + " " + path
	f.calls = append(f.calls, key)

	resp, ok := f.responses[key]
	if !ok {
		resp = fakeResponse{status: http.StatusNotFound, body: `{"message":"not found"}`}
	}
	if resp.err != nil {
		return 0, nil, resp.err
	}
	if IsErrorStatus(resp.status) {
		return resp.status, nil, newEngineError(resp.status, []byte(resp.body))
	}
	return resp.status, []byte(resp.body), nil
}

func (f *fakeEngine) RequestStream(_ context.Context, method, path, query string, _ map[string]string, _ time.Duration) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, method+" "+path)
	f.query = query
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return io.NopCloser(strings.NewReader(f.stream)), nil
}

func (f *fakeEngine) called(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.calls {
		if c == method+" "+path {
			n++
		}
	}
	return n
}

// recordingReporter keeps every report it receives.
type recordingReporter struct {
	mu      sync.Mutex
	reports []reporting.Report
}

func (r *recordingReporter) Send(_ context.Context, report reporting.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

func (r *recordingReporter) all() []reporting.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reporting.Report(nil), r.reports...)
}

func containerJSON(id string) string {
	return fmt.Sprintf(`{
		"Id": %q,
		"Image": "sha256:0123",
		"State": {"Status": "running", "ExitCode": 0, "Health": {"Status": "unhealthy", "FailingStreak": 3, "Log": []}},
		"Config": {"Labels": {"com.docker.compose.service": "web", "autoheal": "true"}}
	}`, id)
}

func unhealthyLine(id string) string {
	return fmt.Sprintf(`{"status":"health_status: unhealthy","id":%q,"from":"nginx","Type":"container","Action":"health_status: unhealthy","Actor":{"ID":%q}}`+"\n", id, id)
}

func healthyLine(id string) string {
	return fmt.Sprintf(`{"status":"health_status: healthy","id":%q,"Type":"container","Action":"health_status: healthy","Actor":{"ID":%q}}`+"\n", id, id)
}
