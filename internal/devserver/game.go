package devserver

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/prtfnx/ttrpg-system-sub008/internal/collab"
	"github.com/prtfnx/ttrpg-system-sub008/internal/protocol"
)

type gameClient struct {
	id   string
	user UserRecord
	conn *websocket.Conn
	send chan []byte
}

// push queues a frame without blocking; a client that stops reading loses
// frames rather than stalling the room.
func (c *gameClient) push(env protocol.Envelope) bool {
	b, err := protocol.Marshal(env)
	if err != nil {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

type room struct {
	code    string
	scene   *collab.Scene
	clients map[string]*gameClient
}

type hub struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func newHub() *hub {
	return &hub{rooms: make(map[string]*room)}
}

func (h *hub) join(code string, c *gameClient) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[code]
	if rm == nil {
		rm = &room{code: code, scene: collab.NewScene(), clients: make(map[string]*gameClient)}
		h.rooms[code] = rm
	}
	rm.clients[c.id] = c
	return rm
}

// leave drops the client. The room and its scene outlive their last
// member so a rejoining player sees the same tables.
func (h *hub) leave(code string, c *gameClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm := h.rooms[code]; rm != nil {
		delete(rm.clients, c.id)
	}
}

func (h *hub) broadcast(code, fromID string, env protocol.Envelope) int {
	h.mu.Lock()
	rm := h.rooms[code]
	var targets []*gameClient
	if rm != nil {
		for id, c := range rm.clients {
			if id != fromID {
				targets = append(targets, c)
			}
		}
	}
	h.mu.Unlock()
	n := 0
	for _, c := range targets {
		if c.push(env) {
			n++
		}
	}
	return n
}

// kick closes every socket the user holds.
func (h *hub) kick(userID string) {
	h.mu.Lock()
	var conns []*websocket.Conn
	for _, rm := range h.rooms {
		for _, c := range rm.clients {
			if c.user.ID == userID {
				conns = append(conns, c.conn)
			}
		}
	}
	h.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (h *hub) members(code string) []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[code]
	if rm == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(rm.clients))
	for _, c := range rm.clients {
		out = append(out, map[string]any{"client_id": c.id, "user_id": c.user.ID, "username": c.user.Username})
	}
	return out
}

// handleGame serves /ws/game/{code}. Failures before the upgrade are plain
// HTTP statuses so the client can tell a bad credential (401) from a
// forbidden session (403).
func (s *Server) handleGame(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	p, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	if _, ok := s.store.Session(code); !ok {
		writeError(w, http.StatusNotFound, "unknown_session", "session not found")
		return
	}
	if !s.store.IsMember(code, p.user.Username) {
		writeError(w, http.StatusForbidden, "forbidden", "not a member of this session")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &gameClient{id: uuid.NewString(), user: p.user, conn: conn, send: make(chan []byte, 256)}
	rm := s.hub.join(code, c)
	s.gameClients.Inc()
	s.log.Info("game client joined", "session", code, "user", p.user.Username, "client_id", c.id)

	stopWriter := make(chan struct{})
	var stopOnce sync.Once
	cleanup := func() {
		stopOnce.Do(func() {
			s.hub.leave(code, c)
			s.gameClients.Dec()
			close(stopWriter)
		})
	}
	defer cleanup()

	doneWriter := make(chan struct{})
	go func() {
		defer close(doneWriter)
		for {
			select {
			case <-stopWriter:
				return
			case msg := <-c.send:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}()

	welcome, _ := protocol.PayloadOf(protocol.WelcomePayload{
		ClientID:    c.id,
		SessionCode: code,
		UserID:      p.user.ID,
		Username:    p.user.Username,
		Role:        p.user.Role,
	})
	c.push(protocol.NewEnvelope(protocol.Welcome, welcome))
	joined := protocol.NewEnvelope(protocol.PlayerJoined, map[string]any{
		"client_id": c.id,
		"user_id":   p.user.ID,
		"username":  p.user.Username,
	})
	joined.ClientID = c.id
	s.hub.broadcast(code, c.id, joined)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			c.push(errorEnvelope("bad_message", err.Error()))
			continue
		}
		s.frames.WithLabelValues(string(env.Type)).Inc()
		s.handleFrame(rm, c, env)
	}

	cleanup()
	<-doneWriter
	left := protocol.NewEnvelope(protocol.PlayerLeft, map[string]any{"client_id": c.id, "username": p.user.Username})
	left.ClientID = c.id
	s.hub.broadcast(code, c.id, left)
	s.log.Info("game client left", "session", code, "user", p.user.Username, "client_id", c.id)
}

func (s *Server) handleFrame(rm *room, c *gameClient, env protocol.Envelope) {
	reply := func(out protocol.Envelope) {
		if env.SequenceID != nil {
			out = out.WithSeq(*env.SequenceID)
		}
		c.push(out)
	}

	switch env.Type {
	case protocol.Ping:
		reply(protocol.NewEnvelope(protocol.Pong, nil))
	case protocol.Pong:
	case protocol.CompendiumSearch:
		var q protocol.CompendiumSearchPayload
		if err := protocol.DecodePayload(env, &q); err != nil {
			reply(errorEnvelope("bad_payload", err.Error()))
			return
		}
		resp := protocol.CompendiumSearchResponsePayload{Query: q.Query, Results: searchCompendium(q)}
		if strings.TrimSpace(q.Query) == "" {
			resp.Error = "empty query"
		}
		payload, _ := protocol.PayloadOf(resp)
		reply(protocol.NewEnvelope(protocol.CompendiumSearchResponse, payload))
	case protocol.TableRequest:
		id, _ := env.Payload["table_id"].(string)
		tbl, ok := rm.scene.Table(id)
		if !ok {
			reply(errorEnvelope("unknown_table", "table not found: "+id))
			return
		}
		reply(protocol.NewEnvelope(protocol.TableData, tablePayload(tbl)))
	case protocol.TableListRequest:
		reply(protocol.NewEnvelope(protocol.TableListResponse, map[string]any{"tables": rm.scene.TableIDs()}))
	case protocol.PlayerListRequest:
		reply(protocol.NewEnvelope(protocol.PlayerListResponse, map[string]any{"players": s.hub.members(rm.code)}))
	case protocol.TableData, protocol.TableUpdate, protocol.TableScale, protocol.TableMove, protocol.TableDelete:
		s.relay(rm, c, env, reply, rm.scene.ApplyTable)
	case protocol.SpriteCreate, protocol.SpriteData, protocol.SpriteUpdate, protocol.SpriteMove,
		protocol.SpriteScale, protocol.SpriteRotate, protocol.SpriteRemove:
		s.relay(rm, c, env, reply, rm.scene.ApplySprite)
	default:
		reply(errorEnvelope("unsupported", "message type not handled: "+string(env.Type)))
	}
}

// relay applies a scene change and forwards it to the rest of the room.
func (s *Server) relay(rm *room, c *gameClient, env protocol.Envelope, reply func(protocol.Envelope), apply func(protocol.MessageType, map[string]any) error) {
	if err := apply(env.Type, env.Payload); err != nil {
		reply(errorEnvelope("rejected", err.Error()))
		return
	}
	fwd := protocol.Encode(env.Type, env.Payload, env.Priority)
	fwd.ClientID = c.id
	s.hub.broadcast(rm.code, c.id, fwd)
	ack, _ := protocol.PayloadOf(protocol.SuccessPayload{Of: env.Type})
	reply(protocol.NewEnvelope(protocol.Success, ack))
}

func tablePayload(tbl collab.Table) map[string]any {
	out := make(map[string]any, len(tbl.Fields)+1)
	for k, v := range tbl.Fields {
		out[k] = v
	}
	sprites := make([]any, 0, len(tbl.Sprites))
	for _, sp := range tbl.Sprites {
		sprites = append(sprites, sp)
	}
	out["sprites"] = sprites
	return out
}

func errorEnvelope(code, message string) protocol.Envelope {
	payload, _ := protocol.PayloadOf(protocol.ErrorPayload{Code: code, Message: message})
	return protocol.NewEnvelope(protocol.Error, payload)
}

var compendium = []map[string]any{
	{"name": "Fire Bolt", "category": "spell", "level": 0, "school": "evocation"},
	{"name": "Fireball", "category": "spell", "level": 3, "school": "evocation"},
	{"name": "Mage Hand", "category": "spell", "level": 0, "school": "conjuration"},
	{"name": "Goblin", "category": "monster", "challenge": "1/4"},
	{"name": "Young Red Dragon", "category": "monster", "challenge": "10"},
	{"name": "Longsword", "category": "equipment", "cost": "15 gp"},
	{"name": "Wizard", "category": "class", "hit_die": "d6"},
}

func searchCompendium(q protocol.CompendiumSearchPayload) []map[string]any {
	needle := strings.ToLower(strings.TrimSpace(q.Query))
	out := []map[string]any{}
	if needle == "" {
		return out
	}
	for _, entry := range compendium {
		if q.Category != "" && !strings.EqualFold(entry["category"].(string), q.Category) {
			continue
		}
		if !strings.Contains(strings.ToLower(entry["name"].(string)), needle) {
			continue
		}
		out = append(out, entry)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}
