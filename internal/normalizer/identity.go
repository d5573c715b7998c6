package normalizer

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// Identity is the stable sender identity derived from a remote JID.
type Identity struct {
	Key       string
	JID       string
	Group     bool
	Broadcast bool
}

// StatusBroadcast reports whether the JID is the status feed, which is never
// ingested as a conversation.
func (i Identity) StatusBroadcast() bool {
	return i.Broadcast && i.Key == types.StatusBroadcastJID.User
}

// ParseIdentity derives the identity key (the JID user part, device suffix
// dropped) from a remote JID such as "5511999999999@s.whatsapp.net".
func ParseIdentity(remoteJID string) (Identity, error) {
	remoteJID = strings.TrimSpace(remoteJID)
	if remoteJID == "" {
		return Identity{}, fmt.Errorf("remote jid is empty")
	}
	jid, err := types.ParseJID(remoteJID)
	if err != nil {
		return Identity{}, fmt.Errorf("parse jid %q: %w", remoteJID, err)
	}
	if jid.User == "" {
		return Identity{}, fmt.Errorf("jid %q has no user part", remoteJID)
	}
	return Identity{
		Key:       jid.User,
		JID:       jid.ToNonAD().String(),
		Group:     jid.Server == types.GroupServer,
		Broadcast: jid.Server == types.BroadcastServer,
	}, nil
}
