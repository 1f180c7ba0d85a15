// hosts.go - Schutz vor DNS-Rebinding
//
// Lauscht der Server nur auf Loopback, werden Anfragen an fremde Hostnamen
// abgewiesen. Lokale Namen, private Adressen und eigene Interfaces sind erlaubt.
package server

import (
	"net"
	"net/http"
	"net/netip"
	"os"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

var localSuffixes = []string{".localhost", ".local", ".internal"}

type hostPolicy struct {
	// open ist gesetzt, wenn der Listener nicht nur auf Loopback lauscht
	open     bool
	hostname string
	ifaces   []netip.Addr
}

func newHostPolicy(addr net.Addr) *hostPolicy {
	p := &hostPolicy{open: addr == nil}
	if addr != nil {
		if ap, err := netip.ParseAddrPort(addr.String()); err == nil && !ap.Addr().IsLoopback() {
			p.open = true
		}
	}

	if name, err := os.Hostname(); err == nil {
		p.hostname = strings.ToLower(name)
	}

	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if prefix, err := netip.ParsePrefix(a.String()); err == nil {
				p.ifaces = append(p.ifaces, prefix.Addr())
			}
		}
	}
	return p
}

// allowsAddr gilt fuer Hosts, die als IP-Adresse angegeben sind
func (p *hostPolicy) allowsAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || slices.Contains(p.ifaces, ip)
}

// allowsName gilt fuer Hostnamen
func (p *hostPolicy) allowsName(host string) bool {
	host = strings.ToLower(host)
	if host == "" || host == "localhost" || host == p.hostname {
		return true
	}
	return slices.ContainsFunc(localSuffixes, func(s string) bool {
		return strings.HasSuffix(host, s)
	})
}

func (p *hostPolicy) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p.open {
			c.Next()
			return
		}

		host, _, err := net.SplitHostPort(c.Request.Host)
		if err != nil {
			host = c.Request.Host
		}

		if ip, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
			if p.allowsAddr(ip) {
				c.Next()
				return
			}
		} else if p.allowsName(host) {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			c.Next()
			return
		}

		c.AbortWithStatus(http.StatusForbidden)
	}
}
