package graph

import (
	"encoding/json"
	"fmt"
)

// APIError is an error payload returned by the platform.
type APIError struct {
	HTTPStatus     int    `json:"-"`
	Message        string `json:"message"`
	Type           string `json:"type"`
	Code           int    `json:"code"`
	Subcode        int    `json:"error_subcode"`
	ErrorUserTitle string `json:"error_user_title"`
	ErrorUserMsg   string `json:"error_user_msg"`
	TraceID        string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	if e.ErrorUserMsg != "" {
		return fmt.Sprintf("graph api error %d (%s): %s: %s", e.Code, e.Type, e.Message, e.ErrorUserMsg)
	}
	return fmt.Sprintf("graph api error %d (%s): %s", e.Code, e.Type, e.Message)
}

// Title is the platform's human readable title, or "Error".
func (e *APIError) Title() string {
	if e.ErrorUserTitle != "" {
		return e.ErrorUserTitle
	}
	return "Error"
}

// UserMessage is the platform's human readable message, falling back to the
// technical message.
func (e *APIError) UserMessage() string {
	if e.ErrorUserMsg != "" {
		return e.ErrorUserMsg
	}
	if e.Message != "" {
		return e.Message
	}
	return "An unknown error occurred."
}

// ParseError decodes an {"error": {...}} envelope. It returns nil when body
// does not hold one.
func ParseError(status int, body []byte) *APIError {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return nil
	}
	envelope.Error.HTTPStatus = status
	return envelope.Error
}
