package store

import "vibechat/internal/chat"

const (
	DefaultTitle = "New chat"
	previewLimit = 120
)

type Conversation struct {
	ID                 string               `json:"id"`
	Title              string               `json:"title"`
	CreatedAt          int64                `json:"createdAt"`
	UpdatedAt          int64                `json:"updatedAt"`
	ModelID            string               `json:"modelId,omitempty"`
	ReasoningEffort    chat.ReasoningEffort `json:"reasoningEffort,omitempty"`
	LastMessagePreview string               `json:"lastMessagePreview,omitempty"`
	IsRenamed          bool                 `json:"isRenamed,omitempty"`
}

// Meta carries the session settings recorded on a conversation. Empty fields
// leave the stored value alone.
type Meta struct {
	ModelID         string
	ReasoningEffort chat.ReasoningEffort
}

type MessageRecord struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	CreatedAt      int64        `json:"createdAt"`
	Role           chat.Role    `json:"role"`
	Message        chat.Message `json:"message"`
}

type Attachment struct {
	ID             string
	ConversationID string
	MessageID      string
	PartIndex      int
	MediaType      string
	Filename       string
	SourceURL      string
	Blob           []byte
	CreatedAt      int64
}

// Assignment tells the live session which attachment id now backs one of its
// file parts. SourceURL is the URL the bytes were read from; a part that no
// longer points there must not take the id.
type Assignment struct {
	MessageID    string
	PartIndex    int
	SourceURL    string
	AttachmentID string
}

type SnapshotResult struct {
	Conversation Conversation
	Assignments  []Assignment
	Dropped      int
}

// HandleResolver turns stored attachment bytes into a readable handle for the
// live session.
type HandleResolver interface {
	Resolve(attachmentID, mediaType string, data []byte) string
}
