// Package journal appends session traffic and audit events to a JSON Lines
// file.
package journal

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prtfnx/ttrpg-system-sub008/internal/protocol"
)

type Entry struct {
	TsMS      int64                `json:"ts_ms"`
	Kind      string               `json:"kind"`
	Direction string               `json:"direction,omitempty"`
	Session   string               `json:"session,omitempty"`
	Actor     string               `json:"actor,omitempty"`
	Type      protocol.MessageType `json:"type,omitempty"`
	Seq       uint64               `json:"seq,omitempty"`
	Payload   map[string]any       `json:"payload,omitempty"`
	Meta      map[string]any       `json:"meta,omitempty"`
}

const (
	KindMessage = "message"
	KindAudit   = "audit"
)

// Payload keys never written to disk.
var redacted = map[string]struct{}{
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"password":      {},
}

type Journal struct {
	Session string
	// Payloads controls whether message payloads are written.
	Payloads bool

	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	now func() time.Time
}

func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Journal{w: f, c: f, now: time.Now}, nil
}

// New writes to w; Close leaves w open.
func New(w io.Writer) *Journal {
	return &Journal{w: w, now: time.Now}
}

func (j *Journal) Close() error {
	if j == nil || j.c == nil {
		return nil
	}
	return j.c.Close()
}

// Record journals one envelope. It satisfies link.Recorder.
func (j *Journal) Record(direction string, env protocol.Envelope) {
	if j == nil {
		return
	}
	e := Entry{
		Kind:      KindMessage,
		Direction: direction,
		Session:   j.Session,
		Type:      env.Type,
		Seq:       env.Seq(),
	}
	if j.Payloads && len(env.Payload) > 0 {
		e.Payload = redact(env.Payload)
	}
	j.write(e)
}

// Audit journals a non-message event such as a login.
func (j *Journal) Audit(actor, kind string, meta map[string]any) {
	if j == nil {
		return
	}
	j.write(Entry{Kind: KindAudit, Actor: actor, Session: j.Session, Meta: withKind(kind, meta)})
}

func (j *Journal) write(e Entry) {
	if j.w == nil {
		return
	}
	if e.TsMS == 0 {
		e.TsMS = j.now().UnixMilli()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, _ = j.w.Write(append(line, '\n'))
}

// ReadAll parses a journal stream, skipping lines that are not entries.
func ReadAll(r io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func redact(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, ok := redacted[k]; ok {
			out[k] = "[redacted]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = redact(nested)
		}
		out[k] = v
	}
	return out
}

func withKind(kind string, meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["event"] = kind
	return out
}
