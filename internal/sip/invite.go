package sip

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/emiago/sipgo/sip"
)

// Header names specific to RCS/CPM chat.
const (
	HeaderContributionID = "Contribution-ID"
	HeaderConversationID = "Conversation-ID"
	HeaderAcceptContact  = "Accept-Contact"
)

const (
	allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, MESSAGE, NOTIFY, UPDATE"
	maxForwards    = 70
)

// Authorizer attaches credentials to an outgoing request.
type Authorizer interface {
	SetAuthorizationHeader(req *sip.Request) error
}

// InviteOptions selects the profile-dependent parts of a group chat INVITE.
type InviteOptions struct {
	// Tags is the feature tag profile advertised in Contact and
	// Accept-Contact.
	Tags FeatureTags

	// CarrierTags, when set, adds a second Accept-Contact header.
	CarrierTags FeatureTags

	Subject        string
	ContributionID string

	// ConversationID is only emitted when non-empty.
	ConversationID string

	Body     []byte
	Boundary string
}

// InviteBuilder constructs multipart group chat INVITEs on a dialog path.
type InviteBuilder struct {
	auth      Authorizer
	userAgent string
}

// NewInviteBuilder creates a builder that signs requests with auth.
func NewInviteBuilder(auth Authorizer, userAgent string) *InviteBuilder {
	return &InviteBuilder{auth: auth, userAgent: userAgent}
}

// Build creates the INVITE for dp carrying opts.Body. The request is not
// bound to the dialog; callers do that once the whole attempt succeeded.
func (b *InviteBuilder) Build(dp *DialogPath, opts InviteOptions) (*sip.Request, error) {
	if dp == nil {
		return nil, fmt.Errorf("%w: no dialog path", ErrInvalidRequest)
	}
	if dp.CallID == "" {
		return nil, fmt.Errorf("%w: dialog path has no call id", ErrInvalidRequest)
	}
	if dp.Target.Host == "" {
		return nil, fmt.Errorf("%w: conference uri has no host", ErrInvalidRequest)
	}
	if err := opts.Tags.Validate(); err != nil {
		return nil, err
	}
	if opts.CarrierTags != nil {
		if err := opts.CarrierTags.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.Boundary == "" {
		return nil, fmt.Errorf("%w: empty multipart boundary", ErrInvalidRequest)
	}
	if len(opts.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}
	if !bytes.Contains(opts.Body, []byte("--"+opts.Boundary)) {
		return nil, fmt.Errorf("%w: body does not use boundary %q", ErrInvalidRequest, opts.Boundary)
	}
	if opts.ContributionID == "" {
		return nil, fmt.Errorf("%w: missing contribution id", ErrInvalidRequest)
	}
	subject, err := encodeSubject(opts.Subject)
	if err != nil {
		return nil, err
	}

	req := b.multipartInvite(dp, opts.Tags, opts.Body, opts.Boundary)

	if opts.CarrierTags != nil {
		req.AppendHeader(sip.NewHeader(HeaderAcceptContact, opts.CarrierTags.AcceptContact()))
	}
	if subject != "" {
		req.AppendHeader(sip.NewHeader("Subject", subject))
	}
	req.AppendHeader(sip.NewHeader("Require", "recipient-list-invite"))
	req.AppendHeader(sip.NewHeader(HeaderContributionID, opts.ContributionID))
	if opts.ConversationID != "" {
		req.AppendHeader(sip.NewHeader(HeaderConversationID, opts.ConversationID))
	}

	if b.auth == nil {
		return nil, fmt.Errorf("%w: no authentication agent", ErrInvalidRequest)
	}
	if err := b.auth.SetAuthorizationHeader(req); err != nil {
		return nil, fmt.Errorf("setting authorization header: %w", err)
	}
	return req, nil
}

// multipartInvite builds the dialog-forming part of the request: addressing,
// capability headers and the body.
func (b *InviteBuilder) multipartInvite(dp *DialogPath, tags FeatureTags, body []byte, boundary string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, dp.Target)

	if dp.Route != nil {
		req.AppendHeader(sip.NewHeader("Route", fmt.Sprintf("<%s;lr>", dp.Route.String())))
	}

	maxFwd := sip.MaxForwardsHeader(maxForwards)
	req.AppendHeader(&maxFwd)

	from := &sip.FromHeader{
		DisplayName: dp.LocalDisplayName,
		Address:     dp.LocalParty,
	}
	from.Params.Add("tag", dp.LocalTag)
	req.AppendHeader(from)

	req.AppendHeader(&sip.ToHeader{Address: dp.Target})

	callID := sip.CallIDHeader(dp.CallID)
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: dp.CSeq, MethodName: sip.INVITE})

	req.AppendHeader(sip.NewHeader("Contact", "<"+dp.Contact.String()+">"+tags.Params()))
	req.AppendHeader(sip.NewHeader(HeaderAcceptContact, tags.AcceptContact()))

	if b.userAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", b.userAgent))
	}
	req.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	req.AppendHeader(sip.NewHeader("Supported", "timer"))

	ct := sip.ContentTypeHeader(MultipartContentType(boundary))
	req.AppendHeader(&ct)
	req.SetBody(body)

	return req
}

// encodeSubject validates the subject for use as a header value.
func encodeSubject(subject string) (string, error) {
	if subject == "" {
		return "", nil
	}
	if strings.ContainsAny(subject, "\r\n") {
		return "", fmt.Errorf("%w: subject contains line breaks", ErrInvalidRequest)
	}
	if !utf8.ValidString(subject) {
		subject = strings.ToValidUTF8(subject, "�")
	}
	return subject, nil
}
