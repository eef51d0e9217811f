package relay

import (
	"fmt"
	"strings"
)

// DefaultPort is the relay's default TCP port (spec §6).
const DefaultPort = 1337

// HostAddr is a parsed `[user[:pass]@]host:port` relay address.
type HostAddr struct {
	User string
	Pass string
	Host string
	Port int
}

func (h HostAddr) String() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// ParseHostAddr parses the relay host-address grammar defined in spec §6:
// an optional `user[:pass]@` prefix, a host, and an optional `:port`
// defaulting to DefaultPort. It's implemented by hand rather than via
// net/url since the grammar has no scheme and optional-port parsing via
// net/url's Parse+Hostname/Port dance is more convoluted than a direct
// split for this narrow a grammar.
func ParseHostAddr(addr string) (HostAddr, error) {
	if addr == "" {
		return HostAddr{}, fmt.Errorf("distio: empty relay address")
	}

	h := HostAddr{Port: DefaultPort}

	rest := addr
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userinfo := rest[:at]
		rest = rest[at+1:]
		if colon := strings.IndexByte(userinfo, ':'); colon >= 0 {
			h.User, h.Pass = userinfo[:colon], userinfo[colon+1:]
		} else {
			h.User = userinfo
		}
	}

	if rest == "" {
		return HostAddr{}, fmt.Errorf("distio: relay address %q missing host", addr)
	}

	if colon := strings.LastIndexByte(rest, ':'); colon >= 0 {
		h.Host = rest[:colon]
		portStr := rest[colon+1:]
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port <= 0 || port > 65535 {
			return HostAddr{}, fmt.Errorf("distio: relay address %q has invalid port %q", addr, portStr)
		}
		h.Port = port
	} else {
		h.Host = rest
	}

	if h.Host == "" {
		return HostAddr{}, fmt.Errorf("distio: relay address %q missing host", addr)
	}

	return h, nil
}
