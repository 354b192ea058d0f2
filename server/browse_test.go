package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrowseURL(t *testing.T) {
	tt := []struct {
		addr net.Addr
		want string
	}{
		{&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8080}, "http://127.0.0.1:8080/"},
		{&net.TCPAddr{IP: net.IPv4zero, Port: 8080}, "http://127.0.0.1:8080/"},
		{&net.TCPAddr{IP: net.IPv6unspecified, Port: 80}, "http://[::1]:80/"},
		{&net.TCPAddr{IP: net.ParseIP("192.168.1.10"), Port: 9000}, "http://192.168.1.10:9000/"},
		{&net.TCPAddr{IP: net.ParseIP("fe80::1"), Port: 9000}, "http://[fe80::1]:9000/"},
		{&net.TCPAddr{Port: 8080}, "http://127.0.0.1:8080/"},
	}
	for _, tc := range tt {
		assert.Equal(t, tc.want, BrowseURL(tc.addr), tc.addr.String())
	}
}

func TestOpenBrowserBeforeListen(t *testing.T) {
	s, err := New(testConfig(t, fileRoot(t)))
	if !assert.NoError(t, err) {
		return
	}
	defer s.cache.Close()

	assert.Error(t, s.OpenBrowser())
}
