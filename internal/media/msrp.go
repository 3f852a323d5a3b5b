package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrNoMSRPPorts is returned when every port in the MSRP range is in use.
var ErrNoMSRPPorts = errors.New("no msrp ports available")

// MSRPProtocol returns the m= line transport for an MSRP stream.
func MSRPProtocol(secure bool) string {
	if secure {
		return "TCP/TLS/MSRP"
	}
	return "TCP/MSRP"
}

// MSRPEndpoint is a bound local MSRP listener for one chat session.
type MSRPEndpoint struct {
	LocalIP   string
	Port      int
	SessionID string
	Secure    bool

	listener net.Listener
}

// Path returns the local MSRP URI advertised in a=path.
func (e *MSRPEndpoint) Path() string {
	scheme := "msrp"
	if e.Secure {
		scheme = "msrps"
	}
	return scheme + "://" + net.JoinHostPort(e.LocalIP, strconv.Itoa(e.Port)) + "/" + e.SessionID + ";tcp"
}

// Protocol returns the m= line transport for this endpoint.
func (e *MSRPEndpoint) Protocol() string {
	return MSRPProtocol(e.Secure)
}

// Close releases the listening socket.
func (e *MSRPEndpoint) Close() error {
	if e.listener == nil {
		return nil
	}
	return e.listener.Close()
}

// MSRPManager hands out TCP listening ports for MSRP sessions within a
// configurable range.
type MSRPManager struct {
	localIP string
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}
	nextPort  int
}

// NewMSRPManager creates an MSRP port manager for the given range.
func NewMSRPManager(localIP string, portMin, portMax int, logger *slog.Logger) (*MSRPManager, error) {
	if portMin < 1 || portMax > 65535 {
		return nil, fmt.Errorf("msrp port range %d-%d out of bounds", portMin, portMax)
	}
	if portMax < portMin {
		return nil, fmt.Errorf("portMax (%d) must not be less than portMin (%d)", portMax, portMin)
	}

	l := logger.With("subsystem", "msrp")
	l.Info("msrp port manager initialized",
		"local_ip", localIP,
		"port_min", portMin,
		"port_max", portMax,
	)

	return &MSRPManager{
		localIP:   localIP,
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
		nextPort:  portMin,
	}, nil
}

// LocalIP returns the address advertised for MSRP endpoints.
func (m *MSRPManager) LocalIP() string {
	return m.localIP
}

// Capacity returns the number of ports in the range.
func (m *MSRPManager) Capacity() int {
	return m.portMax - m.portMin + 1
}

// AllocatedCount returns the number of ports currently bound.
func (m *MSRPManager) AllocatedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocated)
}

// Allocate binds the next free port in the range and returns the endpoint.
func (m *MSRPManager) Allocate(secure bool) (*MSRPEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	capacity := m.portMax - m.portMin + 1
	if len(m.allocated) >= capacity {
		return nil, ErrNoMSRPPorts
	}

	for tried := 0; tried < capacity; tried++ {
		port := m.nextPort

		m.nextPort++
		if m.nextPort > m.portMax {
			m.nextPort = m.portMin
		}

		if _, taken := m.allocated[port]; taken {
			continue
		}

		ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err != nil {
			// Port might be in use by another process; skip it.
			m.logger.Debug("msrp port bind failed, trying next",
				"port", port,
				"error", err,
			)
			continue
		}

		m.allocated[port] = struct{}{}
		ep := &MSRPEndpoint{
			LocalIP:   m.localIP,
			Port:      port,
			SessionID: strings.ReplaceAll(uuid.NewString(), "-", ""),
			Secure:    secure,
			listener:  ln,
		}

		m.logger.Debug("msrp port allocated",
			"port", port,
			"session_id", ep.SessionID,
			"allocated", len(m.allocated),
		)
		return ep, nil
	}

	return nil, fmt.Errorf("%w: no bindable port in %d-%d", ErrNoMSRPPorts, m.portMin, m.portMax)
}

// Release closes the endpoint and returns its port to the pool.
func (m *MSRPManager) Release(ep *MSRPEndpoint) {
	if ep == nil {
		return
	}
	if err := ep.Close(); err != nil {
		m.logger.Debug("closing msrp listener", "port", ep.Port, "error", err)
	}

	m.mu.Lock()
	delete(m.allocated, ep.Port)
	remaining := len(m.allocated)
	m.mu.Unlock()

	m.logger.Debug("msrp port released", "port", ep.Port, "allocated", remaining)
}
