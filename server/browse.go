package server

import (
	"net"

	"github.com/pkg/browser"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// BrowseURL returns the URL a local browser reaches addr on, unspecified
// bind addresses are replaced by loopback
func BrowseURL(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "http://" + addr.String() + "/"
	}
	ip := net.ParseIP(host)
	switch {
	case host == "":
		host = "127.0.0.1"
	case ip != nil && ip.IsUnspecified() && ip.To4() != nil:
		host = "127.0.0.1"
	case ip != nil && ip.IsUnspecified():
		host = "::1"
	}

	return "http://" + net.JoinHostPort(host, port) + "/"
}

// OpenBrowser opens the bound address in the default browser.
// Listen must have been called.
func (s *Server) OpenBrowser() error {
	addr := s.Addr()
	if addr == nil {
		return errors.New("server is not listening")
	}
	url := BrowseURL(addr)

	out := log.StandardLogger().WriterLevel(log.DebugLevel)
	defer out.Close()
	browser.Stdout = out
	browser.Stderr = out
	log.Infof("opening %s", url)

	return errors.Wrapf(browser.OpenURL(url), "failed to open %s", url)
}
