// Package protocol implements the chat wire protocol shared by the stream and
// datagram transports.
//
// # Envelopes
//
// Every protocol message is an Envelope, a tagged variant decoded once at the
// transport boundary and dispatched by type switch afterwards:
//   - Registration, Leave: session lifecycle
//   - ListRequest/ListResponse: who is online
//   - KeyRequest/KeyResponse: public key discovery
//   - Broadcast, Direct, SecureDirect: chat traffic
//   - ErrorReply, Notice: server feedback
//
// # Wire Format
//
// Text lines, colon delimited. The final field of a line may itself contain
// colons, so lines are always split with a bounded count equal to the field
// count. Keys, signatures and ciphertexts are standard base64.
//
// Client to server:
//
//	REGISTRO:<user>:<pubkey>
//	SAIR:<user>              or  !exit
//	LISTAR_USUARIOS:         or  !list
//	REQKEY:<user>
//	BROADCAST:<from>:<text>  or  free text (stream only)
//	PRIVADO:<from>:<to>:<text>
//	PRIVADO:<from>:<to>:SECURE:<sig>:<cipher>
//	@<to> <text>
//	@<to> SECURE <sig> <cipher>
//
// Server to client:
//
//	USUARIOS:<user> <user> ...
//	PUBKEYRESP:<user>:<pubkey>
//	ERRO:<op>:<target>
//	BROADCAST:<from>:<text>
//	PRIVADO:<from>:<to>:<text>
//	ENCRYPTED:<from>:<cipher>:<sig>:<senderpubkey>
//	anything else is an informational notice
//
// On the stream transport one envelope is one newline terminated line; on the
// datagram transport one envelope is exactly one packet. Envelopes are never
// fragmented.
//
// # Encryption Placement
//
// Secure messages are always encrypted and signed by the sending client. The
// server relays SecureDirect envelopes without inspecting the ciphertext and
// attaches the sender's registered public key on delivery.
package protocol
