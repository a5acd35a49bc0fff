package http

type activeSessions struct {
	Count    int             `json:"count"`
	Sessions []sessionHandle `json:"sessions"`
}

type sessionHandle struct {
	ID         string `json:"id"`
	Nick       string `json:"nick"`
	UserID     string `json:"user_id"`
	RemoteAddr string `json:"remote_addr"`
	RoomCount  int    `json:"room_count"`
}

type roomList struct {
	Rooms []roomHandle `json:"rooms"`
}

type roomHandle struct {
	SessionID   string `json:"session_id"`
	RoomID      string `json:"room_id"`
	LineName    string `json:"line_name"`
	Direct      bool   `json:"direct"`
	MemberCount int    `json:"member_count"`
	PendingSync bool   `json:"pending_sync"`
}
