package notify

import (
	"encoding/json"
	"errors"
	"regexp"
)

const (
	defaultTitle   = "Error"
	defaultMessage = "An unknown error occurred."

	internalTitle   = "Internal error"
	internalMessage = "An unexpected error occurred. Check the server logs."
)

// Describer is implemented by errors that carry a human readable title and
// message.
type Describer interface {
	Title() string
	UserMessage() string
}

var responseJSON = regexp.MustCompile(`(?s)Response:\s*(\{.*\})`)

// Describe turns err into the title and message shown to the user. Errors
// that carry no user facing text are reported generically; their raw text
// stays in the server log.
func Describe(err error) (string, string) {
	if err == nil {
		return defaultTitle, defaultMessage
	}

	var d Describer
	if errors.As(err, &d) {
		return d.Title(), d.UserMessage()
	}

	raw := err.Error()
	if m := responseJSON.FindStringSubmatch(raw); m != nil {
		var payload struct {
			Error struct {
				UserTitle string `json:"error_user_title"`
				UserMsg   string `json:"error_user_msg"`
			} `json:"error"`
		}
		if json.Unmarshal([]byte(m[1]), &payload) == nil {
			title, msg := payload.Error.UserTitle, payload.Error.UserMsg
			if title == "" {
				title = defaultTitle
			}
			if msg == "" {
				msg = defaultMessage
			}
			return title, msg
		}
		return defaultTitle, defaultMessage
	}
	return internalTitle, internalMessage
}

// Failure builds an error event for err.
func Failure(taskID string, typ EventType, err error) Event {
	title, msg := Describe(err)
	return Event{TaskID: taskID, Type: typ, Title: title, Message: msg}
}
