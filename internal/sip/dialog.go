package sip

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// DialogPath holds the local view of one originating signaling exchange:
// identifiers, addressing, the body offered and the INVITE that carried it.
type DialogPath struct {
	// CallID is the SIP Call-ID shared by every request of the dialog.
	CallID string

	// CSeq is the sequence number of the initial request.
	CSeq uint32

	// LocalTag is the From tag generated for this dialog.
	LocalTag string

	// Target is the Request-URI and To address (conference factory).
	Target sip.Uri

	// LocalParty is the From address (the user's public identity).
	LocalParty sip.Uri

	// LocalDisplayName is the optional From display name.
	LocalDisplayName string

	// Contact is the local contact address.
	Contact sip.Uri

	// Route is the outbound proxy, if any.
	Route *sip.Uri

	// LocalIP is the address offered in the SDP.
	LocalIP string

	// CreatedAt is when the dialog path was initialized.
	CreatedAt time.Time

	mu           sync.RWMutex
	localContent []byte
	invite       *sip.Request
}

// DialogAddressing is the static addressing shared by every dialog path a
// session creates.
type DialogAddressing struct {
	Target           sip.Uri
	LocalParty       sip.Uri
	LocalDisplayName string
	Contact          sip.Uri
	Route            *sip.Uri
	LocalIP          string
}

// NewOriginatingDialogPath initializes a dialog path for callID with a
// fresh local tag and CSeq 1.
func NewOriginatingDialogPath(callID string, addr DialogAddressing) *DialogPath {
	return &DialogPath{
		CallID:           callID,
		CSeq:             1,
		LocalTag:         sip.GenerateTagN(16),
		Target:           addr.Target,
		LocalParty:       addr.LocalParty,
		LocalDisplayName: addr.LocalDisplayName,
		Contact:          addr.Contact,
		Route:            addr.Route,
		LocalIP:          addr.LocalIP,
		CreatedAt:        time.Now(),
	}
}

// SetLocalContent records the body offered in the initial INVITE.
func (d *DialogPath) SetLocalContent(body []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localContent = body
}

// LocalContent returns the body offered in the initial INVITE.
func (d *DialogPath) LocalContent() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localContent
}

// SetInvite binds the initial INVITE to the dialog.
func (d *DialogPath) SetInvite(req *sip.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invite = req
}

// Invite returns the initial INVITE, or nil before one was built.
func (d *DialogPath) Invite() *sip.Request {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.invite
}
