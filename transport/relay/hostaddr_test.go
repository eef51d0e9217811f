package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHostAddr(t *testing.T) {
	tt := []struct {
		name string
		in   string
		want HostAddr
	}{
		{"host only", "relay.example.com", HostAddr{Host: "relay.example.com", Port: DefaultPort}},
		{"host and port", "relay.example.com:9000", HostAddr{Host: "relay.example.com", Port: 9000}},
		{"user and host", "alice@relay.example.com", HostAddr{User: "alice", Host: "relay.example.com", Port: DefaultPort}},
		{"user pass host port", "alice:s3cret@relay.example.com:9000", HostAddr{User: "alice", Pass: "s3cret", Host: "relay.example.com", Port: 9000}},
		{"ipv4 and port", "127.0.0.1:1337", HostAddr{Host: "127.0.0.1", Port: 1337}},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseHostAddr(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseHostAddrInvalid(t *testing.T) {
	tt := []string{"", "@", "host:notaport", "host:99999"}
	for _, in := range tt {
		_, err := ParseHostAddr(in)
		assert.Error(t, err, in)
	}
}
