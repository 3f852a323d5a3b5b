package sip

import (
	"fmt"
	"strings"
)

// Feature tags advertised in Contact and Accept-Contact.
const (
	TagOMASIPIM = "+g.oma.sip-im"
	TagCPMICSI  = `+g.3gpp.icsi-ref="urn%3Aurn-7%3A3gpp-service.ims.icsi.oma.cpm.session"`
	TagRequire  = "require"
	TagExplicit = "explicit"
)

// FeatureTags is an ordered set of RFC 3840 feature tags.
type FeatureTags []string

// StandardFeatureTags returns the OMA SIMPLE IM group chat tags.
func StandardFeatureTags() FeatureTags {
	return FeatureTags{TagOMASIPIM}
}

// CPMFeatureTags returns the OMA CPM session tags.
func CPMFeatureTags() FeatureTags {
	return FeatureTags{TagCPMICSI}
}

// CarrierFeatureTags returns the tags some carriers (OP01) expect in an
// additional Accept-Contact header.
func CarrierFeatureTags() FeatureTags {
	return FeatureTags{TagCPMICSI, TagRequire, TagExplicit}
}

// Validate reports whether the tags can be placed into header parameters.
func (t FeatureTags) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: no feature tags", ErrInvalidRequest)
	}
	for _, tag := range t {
		if tag == "" {
			return fmt.Errorf("%w: empty feature tag", ErrInvalidRequest)
		}
		if strings.ContainsAny(tag, " \t\r\n;,") {
			return fmt.Errorf("%w: malformed feature tag %q", ErrInvalidRequest, tag)
		}
	}
	return nil
}

// Params returns the tags as header parameters, ";tag1;tag2".
func (t FeatureTags) Params() string {
	if len(t) == 0 {
		return ""
	}
	return ";" + strings.Join(t, ";")
}

// AcceptContact returns the Accept-Contact header value, "*;tag1;tag2".
func (t FeatureTags) AcceptContact() string {
	return "*" + t.Params()
}
