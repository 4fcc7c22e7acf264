package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/wabridge/internal/session"
	"github.com/danmuck/wabridge/internal/testutil/testlog"
	"github.com/danmuck/wabridge/internal/testutil/tlstest"
	"github.com/stretchr/testify/require"
)

func newTLSSidecar(t *testing.T, ca *tlstest.Authority, requireClient bool) *sidecar {
	t.Helper()
	s := &sidecar{t: t}
	s.srv = httptest.NewUnstartedServer(http.HandlerFunc(s.serve))
	s.srv.TLS = ca.ServerConfig(t, ca.IssueServer(t, "sidecar"), requireClient)
	s.srv.StartTLS()
	t.Cleanup(s.srv.Close)
	return s
}

func tlsURL(s *sidecar) string {
	return "wss" + strings.TrimPrefix(s.srv.URL, "https") + "/session"
}

func TestOpenOverMutualTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "bridge")
	s := newTLSSidecar(t, ca, true)
	client := ca.IssueClient(t, "gateway")

	cfg := DefaultConfig()
	cfg.URL = tlsURL(s)
	cfg.TLS = TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CAFile:   ca.CAFile(),
		CertFile: client.CertFile,
		KeyFile:  client.KeyFile,
	}
	c, err := New(cfg)
	require.NoError(t, err)

	conn, err := c.Open(context.Background(), session.OpenConfig{})
	require.NoError(t, err)
	defer conn.End(nil)
	require.NoError(t, conn.Ping(context.Background()))
	require.Equal(t, []string{MethodOpen, MethodPing}, s.seenMethods())
}

func TestOpenWithoutClientCertIsRejected(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "bridge")
	s := newTLSSidecar(t, ca, true)

	cfg := DefaultConfig()
	cfg.URL = tlsURL(s)
	cfg.TLS = TLSConfig{Enabled: true, CAFile: ca.CAFile()}
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.Open(context.Background(), session.OpenConfig{})
	require.Error(t, err)
	require.Empty(t, s.seenMethods())
}

func TestOpenRejectsUntrustedServer(t *testing.T) {
	testlog.Start(t)
	serverCA := tlstest.NewAuthority(t, "sidecar")
	otherCA := tlstest.NewAuthority(t, "other")
	s := newTLSSidecar(t, serverCA, false)

	cfg := DefaultConfig()
	cfg.URL = tlsURL(s)
	cfg.TLS = TLSConfig{Enabled: true, CAFile: otherCA.CAFile()}
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.Open(context.Background(), session.OpenConfig{})
	require.Error(t, err)
}
