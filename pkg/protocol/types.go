package protocol

import "strings"

// Wire tags
const (
	TagRegister    = "REGISTRO"
	TagLeave       = "SAIR"
	TagList        = "LISTAR_USUARIOS"
	TagUsers       = "USUARIOS"
	TagKeyRequest  = "REQKEY"
	TagKeyResponse = "PUBKEYRESP"
	TagBroadcast   = "BROADCAST"
	TagDirect      = "PRIVADO"
	TagEncrypted   = "ENCRYPTED"
	TagError       = "ERRO"

	MarkerSecure = "SECURE"

	CmdList = "!list"
	CmdExit = "!exit"
)

// Limits
const (
	MaxUsernameLength = 64

	// DefaultDatagramSize is the receive buffer used by the datagram server
	DefaultDatagramSize = 4096

	// ClientDatagramSize is the receive buffer used by datagram clients
	ClientDatagramSize = 8192
)

// Kind identifies an envelope variant
type Kind uint8

const (
	KindRegistration Kind = iota + 1
	KindLeave
	KindListRequest
	KindListResponse
	KindKeyRequest
	KindKeyResponse
	KindBroadcast
	KindDirect
	KindSecureDirect
	KindError
	KindNotice
)

var kindNames = map[Kind]string{
	KindRegistration: "registration",
	KindLeave:        "leave",
	KindListRequest:  "list_request",
	KindListResponse: "list_response",
	KindKeyRequest:   "key_request",
	KindKeyResponse:  "key_response",
	KindBroadcast:    "broadcast",
	KindDirect:       "direct",
	KindSecureDirect: "secure_direct",
	KindError:        "error",
	KindNotice:       "notice",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Envelope is one complete protocol message, independent of its wire encoding
type Envelope interface {
	Kind() Kind
}

// Registration announces a username and its public key
type Registration struct {
	Username  string
	PublicKey string // base64 SubjectPublicKeyInfo
}

// Leave ends a session. An empty Username means "the sender of this line".
type Leave struct {
	Username string
}

// ListRequest asks for the registered usernames
type ListRequest struct{}

// ListResponse carries a snapshot of registered usernames
type ListResponse struct {
	Usernames []string
}

// KeyRequest asks for Target's public key
type KeyRequest struct {
	Target string
}

// KeyResponse answers a KeyRequest
type KeyResponse struct {
	Username  string
	PublicKey string
}

// Broadcast is a plain message for every other session
type Broadcast struct {
	From string
	Text string
}

// Direct is a plain message for one recipient
type Direct struct {
	From string
	To   string
	Text string
}

// SecureDirect is a message encrypted for To and signed by From.
// SenderKey is only set on server to client deliveries.
type SecureDirect struct {
	From       string
	To         string
	Signature  string // base64
	Ciphertext string // base64
	SenderKey  string // base64, optional
}

// ErrorReply reports a failed lookup back to the requester
type ErrorReply struct {
	Op     string
	Target string
}

// Notice is free informational text from the server
type Notice struct {
	Text string
}

func (Registration) Kind() Kind { return KindRegistration }
func (Leave) Kind() Kind        { return KindLeave }
func (ListRequest) Kind() Kind  { return KindListRequest }
func (ListResponse) Kind() Kind { return KindListResponse }
func (KeyRequest) Kind() Kind   { return KindKeyRequest }
func (KeyResponse) Kind() Kind  { return KindKeyResponse }
func (Broadcast) Kind() Kind    { return KindBroadcast }
func (Direct) Kind() Kind       { return KindDirect }
func (SecureDirect) Kind() Kind { return KindSecureDirect }
func (ErrorReply) Kind() Kind   { return KindError }
func (Notice) Kind() Kind       { return KindNotice }

// JoinedNotice is the text routed when a user registers
func JoinedNotice(username string) Notice {
	return Notice{Text: username + " joined the chat."}
}

// LeftNotice is the text routed when a user departs
func LeftNotice(username string) Notice {
	return Notice{Text: username + " left the chat."}
}

// DepartedUser reports the username named by a LeftNotice
func DepartedUser(n Notice) (string, bool) {
	name, ok := strings.CutSuffix(n.Text, " left the chat.")
	if !ok || ValidateUsername(name) != nil {
		return "", false
	}
	return name, true
}
