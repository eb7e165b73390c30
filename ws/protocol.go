package ws

import "encoding/json"

// ProtocolHandler is the subprotocol capability: its name is offered
// during the handshake and its codec wraps payloads for SendProtocol
// and ReceiveProtocol. A MessagePack or protobuf codec plugs in the
// same way.
type ProtocolHandler interface {
	// Name is the token offered in Sec-WebSocket-Protocol.
	Name() string
	// Encode turns a value into a frame payload.
	Encode(v any) ([]byte, error)
	// Decode turns a frame payload back into a value.
	Decode(data []byte) (any, error)
}

// JSONProtocol is the built-in json subprotocol handler.
type JSONProtocol struct{}

// Name implements ProtocolHandler.
func (JSONProtocol) Name() string { return "json" }

// Encode implements ProtocolHandler.
func (JSONProtocol) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode implements ProtocolHandler.
func (JSONProtocol) Decode(data []byte) (any, error) {
	var v any
	err := json.Unmarshal(data, &v)
	return v, err
}
