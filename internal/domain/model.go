package domain

import (
	"fmt"
	"time"
)

// ContainerKind names the unit of membership and of history pagination.
type ContainerKind string

const (
	KindConversation ContainerKind = "conversation"
	KindTopic        ContainerKind = "topic"
)

func (k ContainerKind) Valid() bool {
	return k == KindConversation || k == KindTopic
}

// EventClass is the class of insert event delivered by the change feed.
type EventClass string

const (
	ClassMessageInserted EventClass = "message_inserted"
	ClassPostInserted    EventClass = "post_inserted"
)

// Classes lists every class a persona subscribes to.
var Classes = []EventClass{ClassMessageInserted, ClassPostInserted}

func (c EventClass) Kind() ContainerKind {
	switch c {
	case ClassMessageInserted:
		return KindConversation
	case ClassPostInserted:
		return KindTopic
	}
	return ""
}

// ClassFor returns the insert class for items of kind k.
func ClassFor(k ContainerKind) EventClass {
	if k == KindTopic {
		return ClassPostInserted
	}
	return ClassMessageInserted
}

// Item is a message (conversation) or a post (topic). Items are immutable.
type Item struct {
	ID              int64         `json:"id"`
	Kind            ContainerKind `json:"kind"`
	ContainerID     int64         `json:"container_id"`
	AuthorPersonaID *int64        `json:"author_persona_id,omitempty"`
	AuthorUserID    *int64        `json:"author_user_id,omitempty"`
	AuthorName      string        `json:"author_name,omitempty"`
	Content         string        `json:"content"`
	CreatedAt       time.Time     `json:"created_at"`
}

// NewItem builds an unsaved item written by personaID on behalf of userID.
// The store assigns ID, CreatedAt and AuthorName.
func NewItem(kind ContainerKind, containerID, personaID, userID int64, content string) Item {
	return Item{
		Kind:            kind,
		ContainerID:     containerID,
		AuthorPersonaID: &personaID,
		AuthorUserID:    &userID,
		Content:         content,
	}
}

// Before reports whether i sorts before other: by CreatedAt, ties by ID.
func (i Item) Before(other Item) bool {
	if i.CreatedAt.Equal(other.CreatedAt) {
		return i.ID < other.ID
	}
	return i.CreatedAt.Before(other.CreatedAt)
}

// AuthoredBy reports whether personaID wrote the item.
func (i Item) AuthoredBy(personaID int64) bool {
	return i.AuthorPersonaID != nil && *i.AuthorPersonaID == personaID
}

// Event is one change-feed payload.
type Event struct {
	Class EventClass `json:"class"`
	Item  Item       `json:"item"`
}

// Key identifies an event across redeliveries.
func (e Event) Key() string {
	return fmt.Sprintf("%s:%d", e.Class, e.Item.ID)
}

type ActivityType string

const (
	ActivityMessage  ActivityType = "message"
	ActivityPost     ActivityType = "post"
	ActivityWikiCard ActivityType = "wiki_card"
	ActivityPersona  ActivityType = "persona"
)

// ActivityEntry is one row of the activity stream view.
type ActivityEntry struct {
	Type         ActivityType `json:"type"`
	ItemID       int64        `json:"item_id"`
	ActorName    string       `json:"actor_name"`
	ContextTitle string       `json:"context_title"`
	Link         string       `json:"link"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Epoch is the read cursor of a user who has never marked anything read.
var Epoch = time.Unix(0, 0).UTC()
