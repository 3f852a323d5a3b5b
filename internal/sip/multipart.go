package sip

import (
	"bytes"
	"strconv"
)

const crlf = "\r\n"

// Boundary is the multipart delimiter token used for group chat INVITEs.
const Boundary = "boundary1"

// Content types of the INVITE body parts.
const (
	ContentTypeSDP           = "application/sdp"
	ContentTypeResourceLists = "application/resource-lists+xml"
)

// BodyPart is one part of a multipart/mixed SIP body.
type BodyPart struct {
	ContentType        string
	ContentDisposition string
	Body               []byte
}

// AssembleMultipart frames parts with the given boundary. Each part carries
// Content-Type, Content-Length (encoded byte length) and, when set,
// Content-Disposition, in that order.
func AssembleMultipart(boundary string, parts ...BodyPart) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.WriteString("--" + boundary + crlf)
		buf.WriteString("Content-Type: " + p.ContentType + crlf)
		buf.WriteString("Content-Length: " + strconv.Itoa(len(p.Body)) + crlf)
		if p.ContentDisposition != "" {
			buf.WriteString("Content-Disposition: " + p.ContentDisposition + crlf)
		}
		buf.WriteString(crlf)
		buf.Write(p.Body)
		buf.WriteString(crlf)
	}
	buf.WriteString("--" + boundary + "--")
	return buf.Bytes()
}

// GroupChatBody assembles the SDP offer and recipient list into the INVITE
// body.
func GroupChatBody(sdp []byte, participants []string) []byte {
	return AssembleMultipart(Boundary,
		BodyPart{ContentType: ContentTypeSDP, Body: sdp},
		BodyPart{
			ContentType:        ContentTypeResourceLists,
			ContentDisposition: "recipient-list",
			Body:               ResourceList(participants),
		},
	)
}

// MultipartContentType returns the Content-Type header value for boundary.
func MultipartContentType(boundary string) string {
	return "multipart/mixed;boundary=" + boundary
}
