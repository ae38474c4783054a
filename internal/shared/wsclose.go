package shared

import (
	"errors"

	"github.com/gorilla/websocket"
)

// CloseFromErr extracts the websocket close code and text from an error,
// if it carries one.
func CloseFromErr(err error) (int, string, bool) {
	if err == nil {
		return 0, "", false
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}
