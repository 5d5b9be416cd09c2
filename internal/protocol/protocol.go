// Package protocol defines the envelope exchanged with the game server over
// the session socket and the codec that validates it.
package protocol

import (
	"time"
)

// Version is stamped on every outgoing envelope.
const Version = "0.1"

const DefaultPriority = 5

type MessageType string

const (
	Ping    MessageType = "ping"
	Pong    MessageType = "pong"
	Error   MessageType = "error"
	Success MessageType = "success"
	Welcome MessageType = "welcome"
	Custom  MessageType = "custom"
	Batch   MessageType = "batch"

	AuthRegister MessageType = "auth_register"
	AuthLogin    MessageType = "auth_login"
	AuthLogout   MessageType = "auth_logout"
	AuthToken    MessageType = "auth_token"
	AuthStatus   MessageType = "auth_status"

	NewTableRequest   MessageType = "new_table_request"
	NewTableResponse  MessageType = "new_table_response"
	TableRequest      MessageType = "table_request"
	TableResponse     MessageType = "table_response"
	TableData         MessageType = "table_data"
	TableUpdate       MessageType = "table_update"
	TableScale        MessageType = "table_scale"
	TableMove         MessageType = "table_move"
	TableListRequest  MessageType = "table_list_request"
	TableListResponse MessageType = "table_list_response"
	TableDelete       MessageType = "table_delete"

	SpriteRequest  MessageType = "sprite_request"
	SpriteResponse MessageType = "sprite_response"
	SpriteData     MessageType = "sprite_data"
	SpriteUpdate   MessageType = "sprite_update"
	SpriteRemove   MessageType = "sprite_remove"
	SpriteCreate   MessageType = "sprite_create"
	SpriteMove     MessageType = "sprite_move"
	SpriteScale    MessageType = "sprite_scale"
	SpriteRotate   MessageType = "sprite_rotate"

	PlayerAction         MessageType = "player_action"
	PlayerActionResponse MessageType = "player_action_response"
	PlayerActionUpdate   MessageType = "player_action_update"
	PlayerActionRemove   MessageType = "player_action_remove"
	PlayerLeft           MessageType = "player_left"
	PlayerJoined         MessageType = "player_joined"
	PlayerReady          MessageType = "player_ready"
	PlayerUnready        MessageType = "player_unready"
	PlayerStatus         MessageType = "player_status"
	PlayerListRequest    MessageType = "player_list_request"
	PlayerListResponse   MessageType = "player_list_response"
	PlayerKickRequest    MessageType = "player_kick_request"
	PlayerBanRequest     MessageType = "player_ban_request"
	PlayerKickResponse   MessageType = "player_kick_response"
	PlayerBanResponse    MessageType = "player_ban_response"

	CompendiumSearch         MessageType = "compendium_search"
	CompendiumSearchResponse MessageType = "compendium_search_response"
	CompendiumGetSpell       MessageType = "compendium_get_spell"
	CompendiumGetSpellResp   MessageType = "compendium_get_spell_response"
	CompendiumGetClass       MessageType = "compendium_get_class"
	CompendiumGetClassResp   MessageType = "compendium_get_class_response"
	CompendiumGetEquipment   MessageType = "compendium_get_equipment"
	CompendiumGetEquipResp   MessageType = "compendium_get_equipment_response"
	CompendiumGetMonster     MessageType = "compendium_get_monster"
	CompendiumGetMonsterResp MessageType = "compendium_get_monster_response"

	CharacterSaveRequest    MessageType = "character_save_request"
	CharacterSaveResponse   MessageType = "character_save_response"
	CharacterLoadRequest    MessageType = "character_load_request"
	CharacterLoadResponse   MessageType = "character_load_response"
	CharacterListRequest    MessageType = "character_list_request"
	CharacterListResponse   MessageType = "character_list_response"
	CharacterDeleteRequest  MessageType = "character_delete_request"
	CharacterDeleteResponse MessageType = "character_delete_response"
	CharacterUpdate         MessageType = "character_update"

	AssetUploadRequest    MessageType = "asset_upload_request"
	AssetUploadResponse   MessageType = "asset_upload_response"
	AssetDownloadRequest  MessageType = "asset_download_request"
	AssetDownloadResponse MessageType = "asset_download_response"
	AssetListRequest      MessageType = "asset_list_request"
	AssetListResponse     MessageType = "asset_list_response"
	AssetUploadConfirm    MessageType = "asset_upload_confirm"
	AssetDeleteRequest    MessageType = "asset_delete_request"
	AssetDeleteResponse   MessageType = "asset_delete_response"
	AssetHashCheck        MessageType = "asset_hash_check"
)

var knownTypes = func() map[MessageType]struct{} {
	all := []MessageType{
		Ping, Pong, Error, Success, Welcome, Custom, Batch,
		AuthRegister, AuthLogin, AuthLogout, AuthToken, AuthStatus,
		NewTableRequest, NewTableResponse, TableRequest, TableResponse, TableData,
		TableUpdate, TableScale, TableMove, TableListRequest, TableListResponse, TableDelete,
		SpriteRequest, SpriteResponse, SpriteData, SpriteUpdate, SpriteRemove,
		SpriteCreate, SpriteMove, SpriteScale, SpriteRotate,
		PlayerAction, PlayerActionResponse, PlayerActionUpdate, PlayerActionRemove,
		PlayerLeft, PlayerJoined, PlayerReady, PlayerUnready, PlayerStatus,
		PlayerListRequest, PlayerListResponse, PlayerKickRequest, PlayerBanRequest,
		PlayerKickResponse, PlayerBanResponse,
		CompendiumSearch, CompendiumSearchResponse, CompendiumGetSpell, CompendiumGetSpellResp,
		CompendiumGetClass, CompendiumGetClassResp, CompendiumGetEquipment, CompendiumGetEquipResp,
		CompendiumGetMonster, CompendiumGetMonsterResp,
		CharacterSaveRequest, CharacterSaveResponse, CharacterLoadRequest, CharacterLoadResponse,
		CharacterListRequest, CharacterListResponse, CharacterDeleteRequest, CharacterDeleteResponse,
		CharacterUpdate,
		AssetUploadRequest, AssetUploadResponse, AssetDownloadRequest, AssetDownloadResponse,
		AssetListRequest, AssetListResponse, AssetUploadConfirm, AssetDeleteRequest,
		AssetDeleteResponse, AssetHashCheck,
	}
	m := make(map[MessageType]struct{}, len(all))
	for _, t := range all {
		m[t] = struct{}{}
	}
	return m
}()

// Known reports whether t is part of the protocol version this build speaks.
func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

func ParseMessageType(v string) (MessageType, bool) {
	t := MessageType(v)
	return t, t.Known()
}

type Envelope struct {
	Type       MessageType    `json:"type"`
	Payload    map[string]any `json:"data"`
	ClientID   string         `json:"client_id,omitempty"`
	Timestamp  float64        `json:"timestamp,omitempty"`
	Version    string         `json:"version"`
	Priority   int            `json:"priority"`
	SequenceID *uint64        `json:"sequence_id,omitempty"`
}

// NewEnvelope builds an envelope with the default priority.
func NewEnvelope(msgType MessageType, payload map[string]any) Envelope {
	return Encode(msgType, payload, DefaultPriority)
}

func Encode(msgType MessageType, payload map[string]any, priority int) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		Type:      msgType,
		Payload:   payload,
		Timestamp: unixSeconds(time.Now()),
		Version:   Version,
		Priority:  priority,
	}
}

// Seq returns the sequence id or 0 when the envelope carries none.
func (e Envelope) Seq() uint64 {
	if e.SequenceID == nil {
		return 0
	}
	return *e.SequenceID
}

func (e Envelope) WithSeq(seq uint64) Envelope {
	e.SequenceID = &seq
	return e
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
