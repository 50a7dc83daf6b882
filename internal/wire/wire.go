// Package wire implements the plain-text line protocol spoken over the WebSocket connection. Every frame is either a
// bare type (`authenticated`) or a type followed by a single space and a JSON body (`notify_file_id [42,43]`).
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Server-to-client frame types.
const (
	TypeAuthenticated       = "authenticated"
	TypeErr                 = "err"
	TypeNotifyFile          = "notify_file"
	TypeNotifyFileID        = "notify_file_id"
	TypeNotifyActivity      = "notify_activity"
	TypeNotifyNotification  = "notify_notification"
)

// NewAuthenticatedFrame returns the frame sent once a connection completes authentication.
func NewAuthenticatedFrame() []byte {
	return []byte(TypeAuthenticated)
}

// NewErrFrame returns an `err <message>` frame, sent before closing a connection on protocol or auth failure.
func NewErrFrame(message string) []byte {
	return []byte(TypeErr + " " + message)
}

// NewNotifyFileFrame returns a bare `notify_file` frame.
func NewNotifyFileFrame() []byte {
	return []byte(TypeNotifyFile)
}

// NewNotifyFileIDFrame returns a `notify_file_id [ids...]` frame with the ids encoded as a JSON integer array. Called
// with a coalesced batch, not once per id.
func NewNotifyFileIDFrame(fileIDs []int64) ([]byte, error) {
	if fileIDs == nil {
		fileIDs = []int64{}
	}
	body, err := json.Marshal(fileIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal file ids: %w", err)
	}
	return append([]byte(TypeNotifyFileID+" "), body...), nil
}

// NewNotifyActivityFrame returns a bare `notify_activity` frame.
func NewNotifyActivityFrame() []byte {
	return []byte(TypeNotifyActivity)
}

// NewNotifyNotificationFrame returns a bare `notify_notification` frame.
func NewNotifyNotificationFrame() []byte {
	return []byte(TypeNotifyNotification)
}

// NewCustomFrame returns a `<type> <body>` frame for a host-defined custom notification. A nil body produces a bare
// type-only frame.
func NewCustomFrame(customType string, body any) ([]byte, error) {
	if body == nil {
		return []byte(customType), nil
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal custom body: %w", err)
	}
	return append([]byte(customType+" "), encoded...), nil
}

// Command is one client-to-server line received after authentication, of the form `<verb> <arg>`.
type Command struct {
	Verb string
	Arg  string
}

// ParseCommand splits a raw inbound line into verb and argument. A line with no space has an empty Arg.
func ParseCommand(line []byte) Command {
	line = bytes.TrimSpace(line)
	idx := bytes.IndexByte(line, ' ')
	if idx < 0 {
		return Command{Verb: string(line)}
	}
	return Command{Verb: string(line[:idx]), Arg: string(bytes.TrimSpace(line[idx+1:]))}
}

// ListenFeature recognized in `listen <feature>` commands.
const ListenFeatureNotifyFileID = "notify_file_id"
