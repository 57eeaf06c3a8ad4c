package hub

import "github.com/google/uuid"

// TypeDownloadReady announces that a queued ticket can be fetched.
const TypeDownloadReady = "download_ready"

// Message is the JSON frame exchanged on the hub socket.
type Message struct {
	Type      string    `json:"type"`
	RequestID uuid.UUID `json:"requestId"`
}

// Notifier tells the owner of a ticket that it is ready.
type Notifier interface {
	NotifyReady(uid string, ticket uuid.UUID)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(uid string, ticket uuid.UUID)

func (f NotifierFunc) NotifyReady(uid string, ticket uuid.UUID) { f(uid, ticket) }
