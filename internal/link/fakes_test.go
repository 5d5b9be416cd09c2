package link

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prtfnx/ttrpg-system-sub008/internal/auth"
	"github.com/prtfnx/ttrpg-system-sub008/internal/protocol"
	"github.com/prtfnx/ttrpg-system-sub008/internal/transport"
)

var errConnClosed = errors.New("fake conn closed")

type fakeConn struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.incoming:
		return 1, msg, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(env protocol.Envelope) {
	data, err := protocol.Marshal(env)
	if err != nil {
		panic(err)
	}
	c.incoming <- data
}

// frames decodes every envelope written so far.
func (c *fakeConn) frames() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(c.written))
	for _, raw := range c.written {
		env, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) framesOf(t protocol.MessageType) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range c.frames() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    func(n int) error
	count   int
	urls    []string
	headers []http.Header
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string, header http.Header) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header.Clone())
	if d.fail != nil {
		if err := d.fail(d.count); err != nil {
			return nil, err
		}
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

func (d *fakeDialer) lastHeader() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.headers) == 0 {
		return nil
	}
	return d.headers[len(d.headers)-1]
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

var errRefused = errors.New("connection refused")

func failFirst(k int) func(int) error {
	return func(n int) error {
		if n <= k {
			return errRefused
		}
		return nil
	}
}

type fakeAuth struct {
	mu           sync.Mutex
	id           *auth.Identity
	needsRefresh bool
	refreshErr   error
	refreshes    int
	resumes      int
	sessions     []auth.SessionRef
	listErr      error
	logouts      int
	subs         []func(auth.Snapshot)
}

func newFakeAuth(id *auth.Identity) *fakeAuth {
	return &fakeAuth{id: id}
}

func (a *fakeAuth) Identity() (auth.Identity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.id == nil {
		return auth.Identity{}, false
	}
	return *a.id, true
}

func (a *fakeAuth) AccessToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.id == nil {
		return ""
	}
	return a.id.AccessToken
}

func (a *fakeAuth) NeedsRefresh() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.needsRefresh
}

func (a *fakeAuth) Refresh(context.Context) error {
	a.mu.Lock()
	a.refreshes++
	err := a.refreshErr
	a.mu.Unlock()
	if errors.Is(err, auth.ErrUnauthorized) {
		a.signOut(err)
	}
	return err
}

func (a *fakeAuth) Resume(context.Context, auth.ResumeReason) error {
	a.mu.Lock()
	a.resumes++
	a.mu.Unlock()
	return nil
}

func (a *fakeAuth) resumeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resumes
}

func (a *fakeAuth) Logout(context.Context) error {
	a.mu.Lock()
	a.logouts++
	a.mu.Unlock()
	a.signOut(nil)
	return nil
}

func (a *fakeAuth) ListSessions(context.Context) ([]auth.SessionRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions, a.listErr
}

func (a *fakeAuth) Subscribe(fn func(auth.Snapshot)) func() {
	a.mu.Lock()
	a.subs = append(a.subs, fn)
	idx := len(a.subs) - 1
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.subs[idx] = nil
		a.mu.Unlock()
	}
}

func (a *fakeAuth) signOut(err error) {
	a.mu.Lock()
	a.id = nil
	subs := append([]func(auth.Snapshot){}, a.subs...)
	a.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(auth.Snapshot{Status: auth.StatusAnonymous, Err: err})
		}
	}
}

func (a *fakeAuth) counts() (refreshes, logouts int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes, a.logouts
}

func testIdentity() *auth.Identity {
	return &auth.Identity{
		UserID:      "u-1",
		Username:    "gm",
		AccessToken: "tok-1",
		Sessions: []auth.SessionRef{
			{Code: "ABC123", Name: "Dragon Hoard"},
			{Code: "ZZZ999", Name: "Goblin Market"},
		},
	}
}

func welcomeFrame(clientID string) protocol.Envelope {
	raw, _ := json.Marshal(protocol.WelcomePayload{ClientID: clientID, SessionCode: "ABC123"})
	var payload map[string]any
	_ = json.Unmarshal(raw, &payload)
	return protocol.NewEnvelope(protocol.Welcome, payload)
}

type recorded struct {
	direction string
	msgType   protocol.MessageType
}

type memRecorder struct {
	mu  sync.Mutex
	got []recorded
}

func (r *memRecorder) Record(direction string, env protocol.Envelope) {
	r.mu.Lock()
	r.got = append(r.got, recorded{direction: direction, msgType: env.Type})
	r.mu.Unlock()
}

func (r *memRecorder) snapshot() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.got...)
}
