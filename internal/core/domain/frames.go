package domain

// Control frame types exchanged on the websocket alongside event messages.
const (
	FrameSubscribe    = "SUBSCRIBE"
	FrameUnsubscribe  = "UNSUBSCRIBE"
	FramePing         = "PING"
	FramePong         = "PONG"
	FrameSubscribed   = "SUBSCRIBED"
	FrameUnsubscribed = "UNSUBSCRIBED"
	FrameError        = "ERROR"
)

// ControlFrame is a subscription or keep-alive frame.
type ControlFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IsControlFrame reports whether a wire type tag belongs to a control frame.
func IsControlFrame(t string) bool {
	switch t {
	case FrameSubscribe, FrameUnsubscribe, FramePing, FramePong,
		FrameSubscribed, FrameUnsubscribed, FrameError:
		return true
	}
	return false
}
