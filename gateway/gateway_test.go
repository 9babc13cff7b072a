package gateway

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/homepods/printbridge/auth"
	"github.com/homepods/printbridge/errors"
	"github.com/homepods/printbridge/fileguard"
	"github.com/homepods/printbridge/health"
	"github.com/homepods/printbridge/tempstore"
	"github.com/stretchr/testify/require"
)

// fakeRequester records host calls and serves canned responses.
type fakeRequester struct {
	mu    sync.Mutex
	calls []hostCall
	reply json.RawMessage
	fail  error
}

type hostCall struct {
	path   string
	method string
	args   map[string]any
}

func (f *fakeRequester) MakeRequest(_ context.Context, path, method string, args map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hostCall{path: path, method: method, args: args})
	if f.fail != nil {
		return nil, f.fail
	}
	if f.reply != nil {
		return f.reply, nil
	}
	return json.RawMessage(`"ok"`), nil
}

func (f *fakeRequester) lastCall(t *testing.T) hostCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

// fakeStatus implements StatusSource with recorded subscriptions.
type fakeStatus struct {
	mu         sync.Mutex
	available  map[string][]string
	subscribed map[string][]string
	queryErr   error
	lastQuery  map[string][]string
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{
		available:  map[string][]string{"toolhead": {"position", "status"}},
		subscribed: make(map[string][]string),
	}
}

func (f *fakeStatus) QueryStatus(_ context.Context, objects map[string][]string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	f.lastQuery = objects
	return map[string]any{"eventtime": 1.0, "status": map[string]any{}}, nil
}

func (f *fakeStatus) Subscribe(objects map[string][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, attrs := range objects {
		f.subscribed[name] = attrs
	}
}

func (f *fakeStatus) Subscriptions() map[string][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]string, len(f.subscribed))
	for k, v := range f.subscribed {
		out[k] = v
	}
	return out
}

func (f *fakeStatus) AvailableObjects() map[string][]string {
	return f.available
}

// fakeAuth implements Authorizer with a switchable allow flag.
type fakeAuth struct {
	mu      sync.Mutex
	allow   bool
	key     string
	lastReq auth.Request
}

func (f *fakeAuth) IsAuthorized(req auth.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	return f.allow
}

func (f *fakeAuth) IssueOneShotToken() string { return "tok-123" }
func (f *fakeAuth) APIKey() string            { return f.key }
func (f *fakeAuth) RotateAPIKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key = f.key + "-rotated"
	return f.key
}

// fakeGuard denies when deny is set.
type fakeGuard struct {
	deny error
}

func (f *fakeGuard) CheckMutationAllowed(context.Context, string) error {
	return f.deny
}

// fakeFiles implements FileStore in memory.
type fakeFiles struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{files: make(map[string][]byte)}
}

func (f *fakeFiles) List() ([]fileguard.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fileguard.FileInfo, 0, len(f.files))
	for name, data := range f.files {
		out = append(out, fileguard.FileInfo{Name: name, Size: int64(len(data))})
	}
	return out, nil
}

func (f *fakeFiles) Save(filename string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.files[filename] = data
	f.mu.Unlock()
	return int64(len(data)), nil
}

func (f *fakeFiles) Delete(filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[filename]; !ok {
		return errors.New("no such file")
	}
	delete(f.files, filename)
	return nil
}

// fakeHealth serves a canned status snapshot.
type fakeHealth struct{}

func (fakeHealth) ServerInfo(websocketClients int) health.Status {
	return health.Status{
		Healthy:          true,
		HostConnected:    true,
		HostState:        health.StateReady,
		WebsocketClients: websocketClients,
	}
}

// fakeTemp serves a fixed history.
type fakeTemp struct{}

func (fakeTemp) History() map[string]tempstore.SensorHistory {
	return map[string]tempstore.SensorHistory{
		"extruder": {Temperatures: []float64{210.0}, Targets: []float64{215.0}},
	}
}

type testDeps struct {
	requester *fakeRequester
	status    *fakeStatus
	auth      *fakeAuth
	guard     *fakeGuard
	files     *fakeFiles
}

func newTestGateway(t *testing.T) (*Gateway, *testDeps) {
	t.Helper()

	deps := &testDeps{
		requester: &fakeRequester{},
		status:    newFakeStatus(),
		auth:      &fakeAuth{allow: true, key: "secret"},
		guard:     &fakeGuard{},
		files:     newFakeFiles(),
	}

	g, err := New(DefaultConfig(), Dependencies{
		Requester:   deps.requester,
		Status:      deps.status,
		Auth:        deps.auth,
		Guard:       deps.guard,
		Files:       deps.files,
		Temperature: fakeTemp{},
		Health:      fakeHealth{},
	})
	require.NoError(t, err)
	return g, deps
}
