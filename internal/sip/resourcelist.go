package sip

import (
	"bytes"
	"encoding/xml"
)

// ResourceList renders the RFC 5366 recipient list for an ad-hoc group
// INVITE. Each participant becomes one "to" entry, in order.
func ResourceList(participants []string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + crlf)
	buf.WriteString(`<resource-lists xmlns="urn:ietf:params:xml:ns:resource-lists" xmlns:cp="urn:ietf:params:xml:ns:copycontrol">` + crlf)
	buf.WriteString("<list>" + crlf)
	for _, p := range participants {
		buf.WriteString(`<entry uri="`)
		// EscapeText only fails on writer errors; bytes.Buffer never returns one.
		_ = xml.EscapeText(&buf, []byte(p))
		buf.WriteString(`" cp:copyControl="to"/>` + crlf)
	}
	buf.WriteString("</list></resource-lists>")
	return buf.Bytes()
}
