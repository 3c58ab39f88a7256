package protocol

import (
	"fmt"
	"sort"
)

// EventNames are the socket event names a legacy view negotiates.
// Only socket.io-framed channels use them; the envelope carries its own type.
type EventNames struct {
	Send    string `json:"send"`
	Receive string `json:"receive"`
}

// Known legacy view profiles.
var profiles = map[string]EventNames{
	"recognition": {Send: "frame", Receive: "isoai"},
	"webrtc":      {Send: "video_frame", Receive: "webrtc"},
	"emotion":     {Send: "send_frame", Receive: "frame_response"},
	"processed":   {Send: "frame", Receive: "processed_frame"},
}

// DefaultProfile is used when no profile is configured.
const DefaultProfile = "recognition"

// ProfileByName returns the event names of a legacy view profile.
func ProfileByName(name string) (EventNames, error) {
	if name == "" {
		name = DefaultProfile
	}
	ev, ok := profiles[name]
	if !ok {
		return EventNames{}, fmt.Errorf("unknown view profile %q (known: %v)", name, ProfileNames())
	}
	return ev, nil
}

// ProfileNames lists the known profiles in stable order.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypeForEvent maps a legacy event name to an envelope type.
// Returns false when the event is not part of the negotiated profile.
func (e EventNames) TypeForEvent(event string) (MessageType, bool) {
	switch event {
	case e.Receive:
		return TypeResult, true
	case e.Send:
		return TypeFrame, true
	}
	return "", false
}

// EventForType maps an envelope type to the legacy event name to emit.
func (e EventNames) EventForType(t MessageType) (string, bool) {
	switch t {
	case TypeFrame:
		return e.Send, e.Send != ""
	case TypeResult:
		return e.Receive, e.Receive != ""
	}
	return "", false
}
