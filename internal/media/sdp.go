package media

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// SetupRole is the RFC 4145 connection setup role offered for the MSRP stream.
type SetupRole string

const (
	SetupActive  SetupRole = "active"
	SetupPassive SetupRole = "passive"
)

// DiscardPort is the placeholder port used in the m= line when the local
// endpoint opens the connection itself (RFC 4145, section 4).
const DiscardPort = 9

// ntpEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpEpochOffset = 2208988800

// ErrMissingFingerprint is returned when a secure offer has no certificate
// fingerprint to advertise.
var ErrMissingFingerprint = errors.New("secure msrp offer requires a certificate fingerprint")

// ParseSetupRole validates a configured setup role.
func ParseSetupRole(s string) (SetupRole, error) {
	switch SetupRole(strings.ToLower(s)) {
	case SetupActive:
		return SetupActive, nil
	case SetupPassive:
		return SetupPassive, nil
	default:
		return "", fmt.Errorf("unsupported setup role %q", s)
	}
}

// OfferPort returns the port to place in the m= line: the discard
// placeholder when the local side is active, the bound local port otherwise.
func OfferPort(role SetupRole, localPort int) int {
	if role == SetupActive {
		return DiscardPort
	}
	return localPort
}

// NTPTime returns t as whole seconds since the NTP epoch (1900-01-01).
func NTPTime(t time.Time) uint64 {
	return uint64(t.Unix() + ntpEpochOffset)
}

// MessageOffer holds the negotiated values of an MSRP message stream offer.
type MessageOffer struct {
	LocalIP            string
	Port               int
	Protocol           string // "TCP/MSRP" or "TCP/TLS/MSRP"
	Path               string // local MSRP URI
	Setup              SetupRole
	AcceptTypes        string
	AcceptWrappedTypes string

	// Secure selects the TLS variant; Fingerprint is only emitted then.
	Secure      bool
	Fingerprint string

	// Now stamps the o= line. Zero means time.Now().
	Now time.Time
}

// BuildMessageOffer serializes offer as an SDP body. The line order is fixed:
// v, o, s, c, t, m, then the path, fingerprint (secure only), setup,
// accept-types, accept-wrapped-types and sendrecv attributes.
func BuildMessageOffer(offer MessageOffer) ([]byte, error) {
	if offer.LocalIP == "" {
		return nil, fmt.Errorf("building sdp offer: local ip is required")
	}
	if offer.Path == "" {
		return nil, fmt.Errorf("building sdp offer: msrp path is required")
	}
	if offer.Port < 1 || offer.Port > 65535 {
		return nil, fmt.Errorf("building sdp offer: invalid port %d", offer.Port)
	}
	if offer.Secure && offer.Fingerprint == "" {
		return nil, ErrMissingFingerprint
	}

	now := offer.Now
	if now.IsZero() {
		now = time.Now()
	}
	ntp := NTPTime(now)
	addrType := AddressType(offer.LocalIP)

	protocol := offer.Protocol
	if protocol == "" {
		protocol = MSRPProtocol(offer.Secure)
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "message",
			Port:    sdp.RangedPort{Value: offer.Port},
			Protos:  strings.Split(protocol, "/"),
			Formats: []string{"*"},
		},
	}
	md.WithValueAttribute("path", offer.Path)
	if offer.Secure {
		md.WithValueAttribute("fingerprint", offer.Fingerprint)
	}
	md.WithValueAttribute("setup", string(offer.Setup))
	md.WithValueAttribute("accept-types", offer.AcceptTypes)
	md.WithValueAttribute("accept-wrapped-types", offer.AcceptWrappedTypes)
	md.WithPropertyAttribute("sendrecv")

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      ntp,
			SessionVersion: ntp,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: offer.LocalIP,
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: offer.LocalIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{md},
	}

	body, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp offer: %w", err)
	}
	return body, nil
}

// AddressType returns "IP6" for IPv6 literals and "IP4" otherwise.
func AddressType(ip string) string {
	if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() == nil {
		return "IP6"
	}
	return "IP4"
}
