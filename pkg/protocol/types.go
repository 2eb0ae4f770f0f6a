package protocol

// MessageType tags every message on the wire via the integer `type` field.
type MessageType int

const (
	// MsgNone marks a silent close; also the zero value for untagged messages.
	MsgNone MessageType = 0

	// Inbound (client → server)
	ImsgLogin   MessageType = 1
	ImsgDefault MessageType = 2
	ImsgPaused  MessageType = 3
	ImsgMessage MessageType = 4

	// Outbound (server → client)
	OmsgDefault      MessageType = 5
	OmsgAccepted     MessageType = 6
	OmsgDisconnect   MessageType = 7
	OmsgKick         MessageType = 8
	OmsgAnnouncement MessageType = 9
)

// SystemID is the author ID carried by server-generated chat messages.
const SystemID = -1

// ClientState is the inbound message record. Every inbound kind decodes into
// it: a Login carries name/version/lobby/key plus the initial player state, a
// StateUpdate carries the position/sprite fields, a ChatMessage carries Msg.
// Absent fields keep their defaults; unknown fields are ignored.
type ClientState struct {
	Type MessageType `json:"type"`
	Msg  string      `json:"msg"`

	Name    string `json:"name"`
	Version string `json:"ver"`
	Lobby   string `json:"lobby"`
	Key     string `json:"key"`

	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Room int     `json:"room"`

	Sprite         string `json:"sprite"`
	Frame          int    `json:"frame"`
	Dir            int    `json:"dir"`
	Palette        int    `json:"palette"`
	PaletteSprite  string `json:"paletteSprite"`
	PaletteTexture string `json:"paletteTexture"`
	Color          string `json:"color"`

	MsgID int `json:"msgId"`
}

// ControlMessage is a one-shot outbound message (accepted, disconnect, kick,
// announcement). Delivered ahead of snapshots via the per-session queue.
type ControlMessage struct {
	Type MessageType `json:"type"`
	Msg  string      `json:"msg"`
}

// CompactClient is the peer projection embedded in snapshots.
type CompactClient struct {
	ID             int     `json:"id"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Name           string  `json:"name"`
	Admin          bool    `json:"admin"`
	Room           int     `json:"room"`
	Sprite         string  `json:"sprite"`
	Frame          int     `json:"frame"`
	Direction      int     `json:"direction"`
	Palette        int     `json:"palette"`
	PaletteSprite  string  `json:"paletteSprite"`
	PaletteTexture string  `json:"paletteTexture"`
	Color          string  `json:"color"`
}

// ChatMessage is one chat entry as delivered to clients. Mid is a random
// message ID clients use to deduplicate entries across snapshots.
type ChatMessage struct {
	Body     string `json:"body"`
	Username string `json:"username"`
	ID       int    `json:"id"`
	Mid      int    `json:"mid"`
}

// Snapshot is the periodic OmsgDefault frame describing the session's view of
// the world: visible peers, buffered chat, and its own login state.
type Snapshot struct {
	Type      MessageType     `json:"type"`
	LoggedIn  bool            `json:"loggedIn"`
	Admin     bool            `json:"admin"`
	Name      string          `json:"name"`
	ID        int             `json:"id"`
	OnlineCnt int             `json:"onlineCnt"`
	Clients   []CompactClient `json:"clients"`
	Msgs      []ChatMessage   `json:"msgs"`
}
