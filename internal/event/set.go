package event

// AllKinds lists every event kind the gateway can emit.
var AllKinds = []Kind{
	SessionQR, SessionReady, SessionAuthenticated, SessionAuthFailure,
	SessionStateChange, SessionDisconnected, SessionInitFailed,
	SessionRecovering, SessionRemoved,
	MessageReceived, MessageAck, MessageReaction, MessageEdited,
	MessageRevoked, GroupJoin, GroupLeave, ContactChanged, ChatRemoved,
	ChatArchived, CallReceived,
}

// Set is a fixed set of enabled event kinds, resolved once at startup and
// consulted synchronously at dispatch time.
type Set struct {
	kinds map[Kind]struct{}
}

// NewSet builds a Set from configured kind names. An empty list enables
// every kind. Unknown names are ignored.
func NewSet(names []string) Set {
	known := make(map[Kind]struct{}, len(AllKinds))
	for _, k := range AllKinds {
		known[k] = struct{}{}
	}

	kinds := make(map[Kind]struct{}, len(names))
	if len(names) == 0 {
		for _, k := range AllKinds {
			kinds[k] = struct{}{}
		}
		return Set{kinds: kinds}
	}

	for _, name := range names {
		k := Kind(name)
		if _, ok := known[k]; ok {
			kinds[k] = struct{}{}
		}
	}
	return Set{kinds: kinds}
}

// Enabled reports whether the kind should be dispatched.
func (s Set) Enabled(kind Kind) bool {
	_, ok := s.kinds[kind]
	return ok
}

// Len returns the number of enabled kinds.
func (s Set) Len() int {
	return len(s.kinds)
}
