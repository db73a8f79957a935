package domain

import "time"

// Message types understood by the bridge.
const (
	TypeInsert = "INSERT_WHATSAPP" // handled by the dispatcher
	TypePaste  = "WHATSAPP_PASTE"  // handled by the page listener
	TypePing   = "WA_PING"         // liveness check, page listener only
)

// Message is the envelope the UI layer sends to the bridge.
type Message struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	AutoSend   bool   `json:"autoSend,omitempty"`
	PasteImage bool   `json:"pasteImage,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`

	// Set by the transport, never by the caller.
	ID      string    `json:"-"`
	Channel string    `json:"-"`
	Sent    time.Time `json:"-"`
}

// Request extracts the insertion parameters carried by the envelope.
func (m Message) Request() InsertRequest {
	return InsertRequest{
		Text:       m.Text,
		AutoSend:   m.AutoSend,
		PasteImage: m.PasteImage,
		ImageURL:   m.ImageURL,
	}
}

// Response is what every listener answers with.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// OKResponse is the plain success answer.
func OKResponse() Response { return Response{OK: true} }

// ErrorResponse wraps err into a failed response.
func ErrorResponse(err error) Response {
	if err == nil {
		return Response{OK: true}
	}
	return Response{OK: false, Error: err.Error()}
}
