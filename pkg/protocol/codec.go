package protocol

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

var knownTags = map[string]bool{
	TagRegister:    true,
	TagLeave:       true,
	TagList:        true,
	TagUsers:       true,
	TagKeyRequest:  true,
	TagKeyResponse: true,
	TagBroadcast:   true,
	TagDirect:      true,
	TagEncrypted:   true,
	TagError:       true,
}

// ValidateUsername checks that name can travel inside any field of the protocol
func ValidateUsername(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty username", ErrInvalidField)
	}
	if len(name) > MaxUsernameLength {
		return fmt.Errorf("%w: username longer than %d bytes", ErrInvalidField, MaxUsernameLength)
	}
	if name[0] == '@' || name[0] == '!' {
		return fmt.Errorf("%w: username %q starts with a command prefix", ErrInvalidField, name)
	}
	for _, r := range name {
		if r == ':' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: username %q contains a delimiter", ErrInvalidField, name)
		}
	}
	return nil
}

// EncodeField encodes binary data for a base64 field
func EncodeField(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeField decodes a base64 field
func DecodeField(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	return b, nil
}

func validateB64(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty base64 field", ErrInvalidField)
	}
	_, err := DecodeField(s)
	return err
}

// splitTag returns the tag of a tagged line and the remainder after the first colon
func splitTag(line string) (tag, rest string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return "", "", false
	}
	tag = line[:i]
	if !knownTags[tag] {
		return "", "", false
	}
	return tag, line[i+1:], true
}

func trimLine(raw string) string {
	return strings.TrimRight(raw, "\r\n")
}

// DecodeFromClient parses a line or datagram sent by a client to the server.
// Text that is not a shorthand command or a client tag decodes as a Broadcast
// with an empty From, to be attributed by the transport.
func DecodeFromClient(raw string) (Envelope, error) {
	line := trimLine(raw)
	if strings.TrimSpace(line) == "" {
		return nil, protoErr(raw, ErrEmpty)
	}

	trimmed := strings.TrimSpace(line)
	switch {
	case strings.EqualFold(trimmed, CmdList):
		return ListRequest{}, nil
	case strings.EqualFold(trimmed, CmdExit):
		return Leave{}, nil
	case strings.HasPrefix(line, "@"):
		return decodeAt(line)
	}

	tag, rest, ok := splitTag(line)
	if !ok {
		return Broadcast{Text: line}, nil
	}

	switch tag {
	case TagRegister:
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return nil, protoErr(line, ErrMalformed)
		}
		if err := ValidateUsername(parts[0]); err != nil {
			return nil, protoErr(line, err)
		}
		if err := validateB64(parts[1]); err != nil {
			return nil, protoErr(line, err)
		}
		return Registration{Username: parts[0], PublicKey: parts[1]}, nil

	case TagLeave:
		user := strings.TrimSpace(rest)
		if user != "" {
			if err := ValidateUsername(user); err != nil {
				return nil, protoErr(line, err)
			}
		}
		return Leave{Username: user}, nil

	case TagList:
		return ListRequest{}, nil

	case TagKeyRequest:
		target := strings.TrimSpace(rest)
		if err := ValidateUsername(target); err != nil {
			return nil, protoErr(line, err)
		}
		return KeyRequest{Target: target}, nil

	case TagBroadcast:
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return nil, protoErr(line, ErrMalformed)
		}
		if err := ValidateUsername(parts[0]); err != nil {
			return nil, protoErr(line, err)
		}
		return Broadcast{From: parts[0], Text: parts[1]}, nil

	case TagDirect:
		return decodePrivado(line, rest)
	}

	// Server to client tags are plain text when a client sends them
	return Broadcast{Text: line}, nil
}

// decodeAt parses the stream shorthand "@to text" and "@to SECURE sig cipher"
func decodeAt(line string) (Envelope, error) {
	parts := strings.SplitN(line[1:], " ", 2)
	to := parts[0]
	if err := ValidateUsername(to); err != nil {
		return nil, protoErr(line, err)
	}

	text := ""
	if len(parts) == 2 {
		text = parts[1]
	}

	fields := strings.SplitN(text, " ", 3)
	if len(fields) >= 1 && strings.EqualFold(fields[0], MarkerSecure) {
		if len(fields) != 3 {
			return nil, protoErr(line, ErrMalformed)
		}
		sig, cipher := fields[1], strings.TrimSpace(fields[2])
		if err := validateB64(sig); err != nil {
			return nil, protoErr(line, err)
		}
		if err := validateB64(cipher); err != nil {
			return nil, protoErr(line, err)
		}
		return SecureDirect{To: to, Signature: sig, Ciphertext: cipher}, nil
	}

	return Direct{To: to, Text: text}, nil
}

// decodePrivado parses "from:to:text" and "from:to:SECURE:sig:cipher"
func decodePrivado(line, rest string) (Envelope, error) {
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return nil, protoErr(line, ErrMalformed)
	}
	from, to, body := parts[0], parts[1], parts[2]
	if err := ValidateUsername(from); err != nil {
		return nil, protoErr(line, err)
	}
	if err := ValidateUsername(to); err != nil {
		return nil, protoErr(line, err)
	}

	if strings.HasPrefix(body, MarkerSecure+":") {
		fields := strings.SplitN(body, ":", 3)
		if len(fields) != 3 {
			return nil, protoErr(line, ErrMalformed)
		}
		if err := validateB64(fields[1]); err != nil {
			return nil, protoErr(line, err)
		}
		if err := validateB64(fields[2]); err != nil {
			return nil, protoErr(line, err)
		}
		return SecureDirect{From: from, To: to, Signature: fields[1], Ciphertext: fields[2]}, nil
	}

	return Direct{From: from, To: to, Text: body}, nil
}

// DecodeFromServer parses a line or datagram received by a client.
// Anything that is not a recognised tagged line is a Notice.
func DecodeFromServer(raw string) (Envelope, error) {
	line := trimLine(raw)
	if strings.TrimSpace(line) == "" {
		return nil, protoErr(raw, ErrEmpty)
	}

	tag, rest, ok := splitTag(line)
	if !ok {
		return Notice{Text: line}, nil
	}

	switch tag {
	case TagUsers:
		return ListResponse{Usernames: strings.Fields(rest)}, nil

	case TagKeyResponse:
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return nil, protoErr(line, ErrMalformed)
		}
		if err := ValidateUsername(parts[0]); err != nil {
			return nil, protoErr(line, err)
		}
		if err := validateB64(parts[1]); err != nil {
			return nil, protoErr(line, err)
		}
		return KeyResponse{Username: parts[0], PublicKey: parts[1]}, nil

	case TagError:
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return nil, protoErr(line, ErrMalformed)
		}
		return ErrorReply{Op: parts[0], Target: parts[1]}, nil

	case TagBroadcast:
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return nil, protoErr(line, ErrMalformed)
		}
		return Broadcast{From: parts[0], Text: parts[1]}, nil

	case TagDirect:
		return decodePrivado(line, rest)

	case TagEncrypted:
		parts := strings.SplitN(rest, ":", 4)
		if len(parts) != 4 {
			return nil, protoErr(line, ErrMalformed)
		}
		if err := ValidateUsername(parts[0]); err != nil {
			return nil, protoErr(line, err)
		}
		for _, field := range parts[1:] {
			if err := validateB64(field); err != nil {
				return nil, protoErr(line, err)
			}
		}
		return SecureDirect{
			From:       parts[0],
			Ciphertext: parts[1],
			Signature:  parts[2],
			SenderKey:  parts[3],
		}, nil
	}

	return Notice{Text: line}, nil
}

func checkText(s string) error {
	if strings.ContainsAny(s, "\r\n") {
		return fmt.Errorf("%w: text contains a line break", ErrInvalidField)
	}
	return nil
}

// Encode renders env in its canonical wire form, without a line terminator
func Encode(env Envelope) (string, error) {
	line, err := encode(env)
	if err != nil {
		return "", protoErr(fmt.Sprintf("%T", env), err)
	}
	return line, nil
}

func encode(env Envelope) (string, error) {
	switch e := env.(type) {
	case Registration:
		if err := ValidateUsername(e.Username); err != nil {
			return "", err
		}
		if err := validateB64(e.PublicKey); err != nil {
			return "", err
		}
		return TagRegister + ":" + e.Username + ":" + e.PublicKey, nil

	case Leave:
		if e.Username == "" {
			return CmdExit, nil
		}
		if err := ValidateUsername(e.Username); err != nil {
			return "", err
		}
		return TagLeave + ":" + e.Username, nil

	case ListRequest:
		return TagList + ":", nil

	case ListResponse:
		names := append([]string(nil), e.Usernames...)
		sort.Strings(names)
		return TagUsers + ":" + strings.Join(names, " "), nil

	case KeyRequest:
		if err := ValidateUsername(e.Target); err != nil {
			return "", err
		}
		return TagKeyRequest + ":" + e.Target, nil

	case KeyResponse:
		if err := ValidateUsername(e.Username); err != nil {
			return "", err
		}
		if err := validateB64(e.PublicKey); err != nil {
			return "", err
		}
		return TagKeyResponse + ":" + e.Username + ":" + e.PublicKey, nil

	case Broadcast:
		if err := ValidateUsername(e.From); err != nil {
			return "", err
		}
		if err := checkText(e.Text); err != nil {
			return "", err
		}
		return TagBroadcast + ":" + e.From + ":" + e.Text, nil

	case Direct:
		if err := ValidateUsername(e.From); err != nil {
			return "", err
		}
		if err := ValidateUsername(e.To); err != nil {
			return "", err
		}
		if err := checkText(e.Text); err != nil {
			return "", err
		}
		if strings.HasPrefix(e.Text, MarkerSecure+":") {
			return "", fmt.Errorf("%w: plain text may not start with %s:", ErrInvalidField, MarkerSecure)
		}
		return TagDirect + ":" + e.From + ":" + e.To + ":" + e.Text, nil

	case SecureDirect:
		if err := ValidateUsername(e.From); err != nil {
			return "", err
		}
		if err := validateB64(e.Signature); err != nil {
			return "", err
		}
		if err := validateB64(e.Ciphertext); err != nil {
			return "", err
		}
		if e.SenderKey != "" {
			if err := validateB64(e.SenderKey); err != nil {
				return "", err
			}
			return TagEncrypted + ":" + e.From + ":" + e.Ciphertext + ":" + e.Signature + ":" + e.SenderKey, nil
		}
		if err := ValidateUsername(e.To); err != nil {
			return "", err
		}
		return TagDirect + ":" + e.From + ":" + e.To + ":" + MarkerSecure + ":" + e.Signature + ":" + e.Ciphertext, nil

	case ErrorReply:
		if strings.ContainsAny(e.Op, ":\r\n") || e.Op == "" {
			return "", fmt.Errorf("%w: error op %q", ErrInvalidField, e.Op)
		}
		if err := checkText(e.Target); err != nil {
			return "", err
		}
		return TagError + ":" + e.Op + ":" + e.Target, nil

	case Notice:
		if err := checkText(e.Text); err != nil {
			return "", err
		}
		if _, _, tagged := splitTag(e.Text); tagged {
			return "", fmt.Errorf("%w: notice looks like a tagged line", ErrInvalidField)
		}
		return e.Text, nil
	}

	return "", ErrUnknownCommand
}
