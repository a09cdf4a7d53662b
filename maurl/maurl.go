package maurl

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// ErrNoHTTP is returned when a multiaddr has no http or https protocol.
var ErrNoHTTP = errors.New("multiaddr has no http protocol")

// ToURL converts a multiaddr ending in http or https into a URL. A tls
// component before http also selects https.
func ToURL(ma multiaddr.Multiaddr) (*url.URL, error) {
	var host, port, scheme string
	var tls bool
	var err error
	multiaddr.ForEach(ma, func(c multiaddr.Component) bool {
		switch c.Protocol().Code {
		case multiaddr.P_IP4, multiaddr.P_DNS, multiaddr.P_DNS4, multiaddr.P_DNS6:
			host = c.Value()
		case multiaddr.P_IP6:
			host = "[" + c.Value() + "]"
		case multiaddr.P_TCP:
			port = c.Value()
		case multiaddr.P_TLS:
			tls = true
		case multiaddr.P_HTTP:
			scheme = "http"
			if tls {
				scheme = "https"
			}
		case multiaddr.P_HTTPS:
			scheme = "https"
		default:
			err = fmt.Errorf("unsupported protocol %s in multiaddr", c.Protocol().Name)
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if scheme == "" {
		return nil, ErrNoHTTP
	}
	if host == "" {
		return nil, errors.New("multiaddr has no host")
	}
	if port != "" && !defaultPort(scheme, port) {
		host += ":" + port
	}
	return &url.URL{
		Scheme: scheme,
		Host:   host,
	}, nil
}

// ParseEndpoint parses an http or https URL, or a multiaddr that ToURL can
// convert. Multiaddrs are recognized by their leading slash.
func ParseEndpoint(s string) (*url.URL, error) {
	if strings.HasPrefix(s, "/") {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, err
		}
		return ToURL(ma)
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", s)
	}
	return u, nil
}

func defaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}
