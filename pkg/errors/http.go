package errors

import (
	"encoding/json"
	"net/http"
)

// Detail is the wire form of an error: {"loc": [...], "msg": "...", "type": "..."}.
type Detail struct {
	Loc     []string       `json:"loc,omitempty"`
	Msg     string         `json:"msg"`
	Type    string         `json:"type"`
	Details map[string]any `json:"details,omitempty"`
}

// Body is the JSON envelope written for failed requests.
type Body struct {
	Detail Detail `json:"detail"`
}

// ToBody converts any error into its response envelope. Errors that are not
// *Error are reported as internal errors without leaking their text.
func ToBody(err error) Body {
	e := FromError(err)
	msg := e.Message
	if e.Code.Category() == "INT" && e.Cause != nil && e.Code != CodeInternal {
		msg = e.Message + ": " + e.Cause.Error()
	}
	return Body{Detail: Detail{
		Loc:     e.Loc,
		Msg:     msg,
		Type:    e.Kind(),
		Details: e.Details,
	}}
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	return FromError(err).HTTPStatus()
}

// WriteHTTP writes err as a JSON response with the mapped status code.
func WriteHTTP(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusOf(err))
	_ = json.NewEncoder(w).Encode(ToBody(err))
}
