package nostr

// Event kinds spoken by the runtime. The numeric mapping is fixed here; the
// rest of the codebase refers to the symbolic names only.
const (
	KindMetadata           = 0
	KindContactList        = 3
	KindThreadRoot         = 11
	KindMetadataReply      = 513
	KindGenericReply       = 1111
	KindSpecReply          = 1339
	KindDelegationTask     = 1934
	KindDelegationResponse = 1935
	KindAgentLesson        = 4129
	KindAgentConfigUpdate  = 4199
	KindStreamingResponse  = 21111
	KindStatus             = 24010
	KindTypingIndicator    = 24111
	KindTypingStop         = 24112
	KindOperationsStatus   = 24133
	KindStopRequest        = 24134
	KindSpecArticle        = 30023
	KindProjectDef         = 31933
)

// IsIgnoredKind reports whether events of this kind are dropped before any
// conversation processing (metadata, contacts, typing, status frames).
func IsIgnoredKind(kind int) bool {
	switch kind {
	case KindMetadata, KindContactList, KindTypingIndicator, KindTypingStop,
		KindStatus, KindOperationsStatus, KindStreamingResponse:
		return true
	}
	return false
}

// IsConversationKind reports whether events of this kind enter a
// conversation's history.
func IsConversationKind(kind int) bool {
	switch kind {
	case KindThreadRoot, KindGenericReply, KindMetadataReply, KindSpecReply,
		KindStopRequest, KindAgentConfigUpdate, KindProjectDef,
		KindDelegationTask, KindDelegationResponse:
		return true
	}
	return false
}

// IsEphemeralKind reports whether relays are expected not to store this kind.
func IsEphemeralKind(kind int) bool {
	return kind >= 20000 && kind < 30000
}
