package domain

// User is a participant as announced on the wire.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RoomIdentity is fixed at join time and lives until the room is left.
type RoomIdentity struct {
	RoomID string
	User   User
}

// ChatMessage is the payload of a chat-message frame.
type ChatMessage struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Message  string `json:"message"`
}

// Reaction is the payload of a reaction frame.
type Reaction struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Emoji    string `json:"emoji"`
}
