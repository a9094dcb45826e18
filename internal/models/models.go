package models

import "time"

// User maps a chat-platform account onto the store's surrogate key.
type User struct {
	ID         int64     `json:"id"`
	ExternalID int64     `json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type Joke struct {
	ID        int64     `json:"id"`
	Owner     int64     `json:"owner"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingJoke is a submitted joke still waiting to be broadcast.
// Seq orders the queue; lower is older.
type PendingJoke struct {
	Seq       int64     `json:"seq"`
	Owner     int64     `json:"owner"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

type Admin struct {
	ExternalID  int64     `json:"external_id"`
	DisplayName string    `json:"display_name"`
	InvitedBy   int64     `json:"invited_by"`
	CreatedAt   time.Time `json:"created_at"`
}
