// Package collab connects the client's collaborators to the session link:
// the rendering engine that applies table and sprite updates, and the
// compendium search service reached through request/response envelopes.
package collab

import (
	"log/slog"

	"github.com/prtfnx/ttrpg-system-sub008/internal/events"
	"github.com/prtfnx/ttrpg-system-sub008/internal/protocol"
)

// Link is the part of *link.Coordinator collaborators use.
type Link interface {
	SendEnvelope(env protocol.Envelope) error
	NextSeq() uint64
	Bus() *events.Bus
}

// Engine applies server updates to the rendered scene and sends the user's
// edits through the function installed with SetSendFunc.
type Engine interface {
	ApplyTable(t protocol.MessageType, payload map[string]any) error
	ApplySprite(t protocol.MessageType, payload map[string]any) error
	SetSendFunc(f func(env protocol.Envelope) error)
}

var (
	tableTypes = []protocol.MessageType{
		protocol.TableData,
		protocol.TableUpdate,
		protocol.TableScale,
		protocol.TableMove,
		protocol.TableDelete,
	}
	spriteTypes = []protocol.MessageType{
		protocol.SpriteData,
		protocol.SpriteCreate,
		protocol.SpriteUpdate,
		protocol.SpriteMove,
		protocol.SpriteScale,
		protocol.SpriteRotate,
		protocol.SpriteRemove,
	}
)

// BindEngine routes table and sprite envelopes from l into e and gives e
// l's send path. The returned function undoes both.
func BindEngine(l Link, e Engine, log *slog.Logger) func() {
	if log == nil {
		log = slog.Default()
	}
	e.SetSendFunc(l.SendEnvelope)

	bus := l.Bus()
	unsubs := make([]func(), 0, len(tableTypes)+len(spriteTypes))
	for _, t := range tableTypes {
		unsubs = append(unsubs, bus.Subscribe(t, func(env protocol.Envelope) {
			if err := e.ApplyTable(env.Type, env.Payload); err != nil {
				log.Warn("engine rejected table update", "type", env.Type, "err", err)
			}
		}))
	}
	for _, t := range spriteTypes {
		unsubs = append(unsubs, bus.Subscribe(t, func(env protocol.Envelope) {
			if err := e.ApplySprite(env.Type, env.Payload); err != nil {
				log.Warn("engine rejected sprite update", "type", env.Type, "err", err)
			}
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
		e.SetSendFunc(nil)
	}
}
