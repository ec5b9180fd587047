// Package protocol defines the framed message types exchanged with clients
// over the /ws stream, and the Sink through which server components deliver
// frames to a connected client.
//
// Frames are self-delimited JSON text messages with a mandatory "type" field.
// Inbound frames share a single envelope; outbound frames are typed structs.
package protocol

// Sink delivers outbound frames to one connected client. Send returns false
// when the frame was dropped (client gone or its outbound buffer full).
// Registries hold a Sink per session and compare sinks by identity to decide
// whether a session still belongs to a given client.
type Sink interface {
	Send(v any) bool
}

// Inbound frame kinds.
const (
	KindCreateTerminal = "create_terminal"
	KindCreateSandbox  = "create_sandbox"
	KindCloneTerminal  = "clone_terminal"
	KindInput          = "input"
	KindResize         = "resize"
	KindCloseTerminal  = "close_terminal"
	KindCreateSSH      = "create_ssh"
	KindDuplicateSSH   = "duplicate_ssh"
	KindReconnectSSH   = "reconnect_ssh"
	KindSSHInput       = "ssh_input"
	KindSSHResize      = "ssh_resize"
	KindCloseSSH       = "close_ssh"
)

// ClientFrame is the envelope for every inbound message. Fields are a union
// across all inbound kinds; which ones are meaningful depends on Type.
type ClientFrame struct {
	Type string `json:"type"`

	SessionID         string `json:"sessionId,omitempty"`
	OriginalSessionID string `json:"originalSessionId,omitempty"`
	CloneType         string `json:"cloneType,omitempty"`

	Cols  uint16 `json:"cols,omitempty"`
	Rows  uint16 `json:"rows,omitempty"`
	Title string `json:"title,omitempty"`
	Data  string `json:"data,omitempty"`

	Image       string `json:"image,omitempty"`
	KubeContext string `json:"kubeContext,omitempty"`

	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Term       string `json:"term,omitempty"`
}

// SafeParams is the credential-stripped echo of SSH connection parameters.
// Password, private key and passphrase must never appear in any outbound
// frame or persisted catalog response.
type SafeParams struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Term     string `json:"term,omitempty"`
}

type ConnectionEstablished struct {
	Type      string `json:"type"` // "connection_established"
	Timestamp string `json:"timestamp"`
}

type TerminalCreated struct {
	Type      string `json:"type"` // "terminal_created"
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
	Cloned    bool   `json:"cloned,omitempty"`
	IsSandbox bool   `json:"isSandbox,omitempty"`
	CloneType string `json:"cloneType,omitempty"`
}

type SSHCreated struct {
	Type        string     `json:"type"` // "ssh_created"
	SessionID   string     `json:"sessionId"`
	Title       string     `json:"title"`
	Params      SafeParams `json:"params"`
	Cloned      bool       `json:"cloned,omitempty"`
	Duplicated  bool       `json:"duplicated,omitempty"`
	Reconnected bool       `json:"reconnected,omitempty"`
}

type Data struct {
	Type      string `json:"type"` // "data"
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type SSHData struct {
	Type      string `json:"type"` // "ssh_data"
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type TerminalExit struct {
	Type      string `json:"type"` // "terminal_exit"
	SessionID string `json:"sessionId"`
	Code      int    `json:"code"`
}

type TerminalClosed struct {
	Type      string `json:"type"` // "terminal_closed"
	SessionID string `json:"sessionId"`
}

type SSHClosed struct {
	Type      string `json:"type"` // "ssh_closed"
	SessionID string `json:"sessionId"`
}

type Error struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// ErrorFrame builds an error frame from a human-readable message.
func ErrorFrame(msg string) Error {
	return Error{Type: "error", Message: msg}
}
