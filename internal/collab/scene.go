package collab

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prtfnx/ttrpg-system-sub008/internal/protocol"
)

var (
	ErrNoSendFunc   = errors.New("send function not set")
	ErrUnknownTable = errors.New("table not found")
)

// Table is the scene's view of one game table. Fields holds whatever the
// server sent besides the sprites.
type Table struct {
	ID      string
	Fields  map[string]any
	Sprites map[string]map[string]any
}

// Scene is an in-memory Engine. It keeps the latest state of every table
// and sprite the server has sent, which is enough for headless clients.
type Scene struct {
	sendMu   sync.RWMutex
	sendFunc func(env protocol.Envelope) error

	mu     sync.RWMutex
	tables map[string]*Table
}

func NewScene() *Scene {
	return &Scene{tables: make(map[string]*Table)}
}

func (s *Scene) SetSendFunc(f func(env protocol.Envelope) error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.sendFunc = f
}

func (s *Scene) send(env protocol.Envelope) error {
	s.sendMu.RLock()
	f := s.sendFunc
	s.sendMu.RUnlock()
	if f == nil {
		return ErrNoSendFunc
	}
	return f(env)
}

func (s *Scene) ApplyTable(t protocol.MessageType, payload map[string]any) error {
	id, _ := payload["table_id"].(string)
	if id == "" {
		return fmt.Errorf("%s: missing table_id", t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch t {
	case protocol.TableDelete:
		delete(s.tables, id)
		return nil
	case protocol.TableData:
		tbl := &Table{ID: id, Fields: map[string]any{}, Sprites: map[string]map[string]any{}}
		for k, v := range payload {
			if k == "sprites" {
				continue
			}
			tbl.Fields[k] = v
		}
		if list, ok := payload["sprites"].([]any); ok {
			for _, raw := range list {
				sp, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if sid, _ := sp["sprite_id"].(string); sid != "" {
					tbl.Sprites[sid] = copyFields(sp)
				}
			}
		}
		s.tables[id] = tbl
		return nil
	default:
		tbl := s.tables[id]
		if tbl == nil {
			return fmt.Errorf("%s %s: %w", t, id, ErrUnknownTable)
		}
		for k, v := range payload {
			tbl.Fields[k] = v
		}
		return nil
	}
}

func (s *Scene) ApplySprite(t protocol.MessageType, payload map[string]any) error {
	tableID, _ := payload["table_id"].(string)
	spriteID, _ := payload["sprite_id"].(string)
	if tableID == "" || spriteID == "" {
		return fmt.Errorf("%s: missing table_id or sprite_id", t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tbl := s.tables[tableID]
	if tbl == nil {
		return fmt.Errorf("%s %s: %w", t, tableID, ErrUnknownTable)
	}
	switch t {
	case protocol.SpriteRemove:
		delete(tbl.Sprites, spriteID)
	case protocol.SpriteCreate, protocol.SpriteData:
		tbl.Sprites[spriteID] = copyFields(payload)
	default:
		sp := tbl.Sprites[spriteID]
		if sp == nil {
			sp = map[string]any{}
			tbl.Sprites[spriteID] = sp
		}
		for k, v := range payload {
			sp[k] = v
		}
	}
	return nil
}

// Table returns a copy of the named table.
func (s *Scene) Table(id string) (Table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tbl := s.tables[id]
	if tbl == nil {
		return Table{}, false
	}
	out := Table{ID: tbl.ID, Fields: copyFields(tbl.Fields), Sprites: make(map[string]map[string]any, len(tbl.Sprites))}
	for sid, sp := range tbl.Sprites {
		out.Sprites[sid] = copyFields(sp)
	}
	return out, true
}

func (s *Scene) TableIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tables))
	for id := range s.tables {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequestTable asks the server for a table's full state.
func (s *Scene) RequestTable(tableID string) error {
	return s.send(protocol.NewEnvelope(protocol.TableRequest, map[string]any{"table_id": tableID}))
}

// MoveSprite applies the move locally and sends it to the server.
func (s *Scene) MoveSprite(tableID, spriteID string, x, y float64) error {
	payload := map[string]any{"table_id": tableID, "sprite_id": spriteID, "x": x, "y": y}
	if err := s.ApplySprite(protocol.SpriteMove, payload); err != nil {
		return err
	}
	// Moves are interactive; they go ahead of bulk traffic.
	return s.send(protocol.Encode(protocol.SpriteMove, payload, protocol.DefaultPriority+2))
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
