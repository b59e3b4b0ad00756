package deploy

import "strings"

// CallbackFlags controls how a completion registration behaves on the host side.
type CallbackFlags uint8

const (
	// FlagReplaceExisting makes a new registration with an existing key
	// update the live one instead of creating a second callback.
	FlagReplaceExisting CallbackFlags = 1 << iota
	// FlagImmutable forbids the host from overriding fields fixed at registration.
	FlagImmutable
)

// ImmutableCallbacksAPILevel is the first host API level that supports immutable registrations.
const ImmutableCallbacksAPILevel = 23

// Has reports whether all bits of flag are set.
func (f CallbackFlags) Has(flag CallbackFlags) bool {
	return f&flag == flag
}

// String renders the flags as a readable list for logs.
func (f CallbackFlags) String() string {
	var parts []string

	if f.Has(FlagReplaceExisting) {
		parts = append(parts, "replace-existing")
	}

	if f.Has(FlagImmutable) {
		parts = append(parts, "immutable")
	}

	if len(parts) == 0 {
		return "none"
	}

	return strings.Join(parts, "|")
}

// CallbackFlagsFor resolves the registration flags supported by a host API level.
func CallbackFlagsFor(hostAPILevel int) CallbackFlags {
	flags := FlagReplaceExisting
	if hostAPILevel >= ImmutableCallbacksAPILevel {
		flags |= FlagImmutable
	}

	return flags
}

// CompletionToken describes a callback registration that correlates one
// asynchronous host operation with its eventual result delivery.
type CompletionToken struct {
	// Action is the fixed event name the delivery is published under.
	Action string
	// RequestCode is the match key: the session id for installs, zero for uninstalls.
	RequestCode int64
	// PackageName is attached to uninstall registrations to disambiguate them.
	PackageName string
	// Flags carries the negotiated registration semantics.
	Flags CallbackFlags
}

// Key identifies registrations that the host treats as the same logical callback.
type Key struct {
	Action      string
	RequestCode int64
}

// Key returns the registration match key of the token.
func (t CompletionToken) Key() Key {
	return Key{Action: t.Action, RequestCode: t.RequestCode}
}
