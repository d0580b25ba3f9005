//go:build unix

package manager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
)

// pollUntil drives m on the real backend until cond holds.
func pollUntil(t *testing.T, m *Manager, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		m.Poll(10 * time.Millisecond)
	}
}

func newLoopbackManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	cfg := testConfig()
	cfg.ConnectTimeout = 5 * time.Second
	m, err := New(append([]Option{WithConfig(cfg)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestLoopbackEcho(t *testing.T) {
	m := newLoopbackManager(t)
	srv := newRecorder(echo)
	l, err := m.Bind("tcp://127.0.0.1:0", srv)
	require.NoError(t, err)
	require.NotZero(t, l.LocalAddr().Port())

	var reply []byte
	cli := newRecorder(func(c *Conn, ev api.EventType, data any) {
		switch ev {
		case api.EventConnect:
			if data == nil {
				c.Send([]byte("ping"))
			}
		case api.EventRecv:
			reply = append(reply, c.RecvBuf().Bytes()...)
			c.RecvBuf().Remove(c.RecvBuf().Len())
			if len(reply) >= 4 {
				c.CloseAfterSend()
			}
		}
	})
	c, err := m.Connect(fmt.Sprintf("tcp://%s", l.LocalAddr()), cli)
	require.NoError(t, err)

	pollUntil(t, m, func() bool { return m.Lookup(c.ID()) == nil })
	assert.Equal(t, "ping", string(reply))
	assert.Equal(t, []api.EventType{api.EventConnect, api.EventSend, api.EventRecv, api.EventClose}, cli.kinds(c.ID()))

	accepted := srv.ids(api.EventAccept)
	require.Len(t, accepted, 1)
	pollUntil(t, m, func() bool { return m.Lookup(accepted[0]) == nil })
	k := srv.kinds(accepted[0])
	assert.Equal(t, api.EventAccept, k[0])
	assert.Equal(t, api.EventClose, k[len(k)-1])
	assert.Len(t, srv.of(accepted[0], api.EventAccept), 1)
	assert.Empty(t, srv.violations)
	assert.Empty(t, cli.violations)
}

func TestLoopbackUDP(t *testing.T) {
	m := newLoopbackManager(t)
	srv := newRecorder(echo)
	l, err := m.Bind("udp://127.0.0.1:0", srv)
	require.NoError(t, err)

	var reply []byte
	c, err := m.Connect(fmt.Sprintf("udp://%s", l.LocalAddr()), newRecorder(func(c *Conn, ev api.EventType, data any) {
		switch ev {
		case api.EventConnect:
			c.Send([]byte("datagram"))
		case api.EventRecv:
			reply = append(reply, c.RecvBuf().Bytes()...)
			c.RecvBuf().Remove(c.RecvBuf().Len())
			c.Close()
		}
	}))
	require.NoError(t, err)
	pollUntil(t, m, func() bool { return m.Lookup(c.ID()) == nil })
	assert.Equal(t, "datagram", string(reply))
	assert.Len(t, srv.ids(api.EventAccept), 1)
}

func selfSigned(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "hioload.test"},
		DNSNames:     []string{"hioload.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS12,
	}
}

func TestLoopbackTLS(t *testing.T) {
	m := newLoopbackManager(t, WithTLSConfig(selfSigned(t)))
	srv := newRecorder(echo)
	l, err := m.Bind("tcp://127.0.0.1:0", srv, WithTLS())
	require.NoError(t, err)

	var reply []byte
	cli := newRecorder(func(c *Conn, ev api.EventType, data any) {
		switch ev {
		case api.EventConnect:
			if data == nil {
				c.Send([]byte("secret"))
			}
		case api.EventRecv:
			reply = append(reply, c.RecvBuf().Bytes()...)
			c.RecvBuf().Remove(c.RecvBuf().Len())
			if len(reply) >= 6 {
				c.Close()
			}
		}
	})
	c, err := m.Connect(fmt.Sprintf("tcp://%s", l.LocalAddr()), cli, WithTLS(), WithServerName("hioload.test"))
	require.NoError(t, err)

	pollUntil(t, m, func() bool { return m.Lookup(c.ID()) == nil })
	assert.Equal(t, "secret", string(reply))
	k := cli.kinds(c.ID())
	require.NotEmpty(t, k)
	assert.Equal(t, api.EventConnect, k[0])
	assert.Nil(t, cli.of(c.ID(), api.EventConnect)[0].data)
	assert.Len(t, srv.ids(api.EventAccept), 1)
}

func TestLoopbackTLSBadName(t *testing.T) {
	m := newLoopbackManager(t, WithTLSConfig(selfSigned(t)))
	srv := newRecorder(nil)
	l, err := m.Bind("tcp://127.0.0.1:0", srv, WithTLS())
	require.NoError(t, err)

	cli := newRecorder(nil)
	c, err := m.Connect(fmt.Sprintf("tcp://%s", l.LocalAddr()), cli, WithTLS(), WithServerName("other.test"))
	require.NoError(t, err)
	pollUntil(t, m, func() bool { return m.Lookup(c.ID()) == nil })

	assert.Equal(t, []api.EventType{api.EventConnect, api.EventClose}, cli.kinds(c.ID()))
	assert.Error(t, cli.of(c.ID(), api.EventConnect)[0].data.(error))
	pollUntil(t, m, func() bool { return m.Len() == 1 })
	assert.Empty(t, srv.ids(api.EventAccept), "failed server handshakes stay silent")
}
