package chat

import (
	"context"
	"time"

	"go-roleplay/internal/domain"
	"go-roleplay/internal/history"
)

// Commands the client sends over the websocket.
const (
	CmdSetActivePersona = "set_active_persona"
	CmdOpenContainer    = "open_container"
	CmdLoadOlder        = "load_older"
	CmdSend             = "send"
	CmdOpenActivity     = "open_activity"
	CmdCloseActivity    = "close_activity"
	CmdMarkAllRead      = "mark_all_read"
	CmdResetFlags       = "reset_flags"
)

// Frames the server pushes to the client.
const (
	FrameActivePersona = "active_persona"
	FrameNewMessage    = "new_message"
	FrameNewRP         = "new_rp"
	FrameUnreadCount   = "unread_count"
	FrameHistory       = "history"
	FrameItemAppended  = "item_appended"
	FrameSent          = "sent"
	FrameActivity      = "activity"
	FrameReadCursor    = "read_cursor"
	FrameError         = "error"
)

// Command is the JSON the frontend sends. Fields are used per Type.
type Command struct {
	Type        string               `json:"type" jsonschema:"enum=set_active_persona,enum=open_container,enum=load_older,enum=send,enum=open_activity,enum=close_activity,enum=mark_all_read,enum=reset_flags"`
	PersonaID   int64                `json:"persona_id,omitempty"`
	Kind        domain.ContainerKind `json:"kind,omitempty" jsonschema:"enum=conversation,enum=topic"`
	ContainerID int64                `json:"container_id,omitempty"`
	Content     string               `json:"content,omitempty"`
}

// Frame is the JSON pushed to the frontend. Only the fields relevant to
// Type are set.
type Frame struct {
	Type       string                 `json:"type"`
	Op         string                 `json:"op,omitempty"`
	Message    string                 `json:"message,omitempty"`
	PersonaID  *int64                 `json:"persona_id,omitempty"`
	Unread     *int                   `json:"unread,omitempty"`
	Item       *domain.Item           `json:"item,omitempty"`
	History    *history.State         `json:"history,omitempty"`
	Added      *int                   `json:"added,omitempty"`
	Entries    []domain.ActivityEntry `json:"entries,omitempty"`
	ReadCursor *time.Time             `json:"read_cursor,omitempty"`
}

func errorFrame(op, message string) Frame {
	return Frame{Type: FrameError, Op: op, Message: message}
}

func activePersonaFrame(personaID int64) Frame {
	return Frame{Type: FrameActivePersona, PersonaID: &personaID}
}

// publishRequest carries one send through the hub.
type publishRequest struct {
	ctx   context.Context
	item  domain.Item
	reply chan publishResult
}

type publishResult struct {
	item domain.Item
	err  error
}
