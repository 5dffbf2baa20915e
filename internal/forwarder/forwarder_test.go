package forwarder

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startStubServer runs a tiny UDP DNS responder on an ephemeral port that
// replies with whatever answer builds from each request, and returns its
// address.
func startStubServer(t *testing.T, answer func(*dns.Msg) *dns.Msg) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Net: "udp"}
	srv.Handler = dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		resp := answer(r)
		_ = w.WriteMsg(resp)
	})
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestForward_ReturnsFirstSuccessfulAnswer(t *testing.T) {
	addr := startStubServer(t, func(r *dns.Msg) *dns.Msg {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = []dns.RR{
			&dns.A{Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}, A: []byte{10, 1, 2, 3}},
		}
		return m
	})

	f := New(nil)
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn("jira.corp.example"), dns.TypeA)

	resp, err := f.Forward(req, []string{addr})
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
}

func TestForward_FailsOverToSecondUpstream(t *testing.T) {
	// First "upstream" is a closed port, forcing a connection error.
	deadConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := deadConn.LocalAddr().String()
	deadConn.Close()

	goodAddr := startStubServer(t, func(r *dns.Msg) *dns.Msg {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = []dns.RR{
			&dns.A{Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}, A: []byte{10, 0, 0, 2}},
		}
		return m
	})

	f := New(nil)
	f.Timeout = 300 * time.Millisecond
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)

	resp, err := f.Forward(req, []string{deadAddr, goodAddr})
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
}

func TestForward_AllUpstreamsFail(t *testing.T) {
	deadConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := deadConn.LocalAddr().String()
	deadConn.Close()

	f := New(nil)
	f.Timeout = 200 * time.Millisecond
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)

	_, err = f.Forward(req, []string{deadAddr})
	assert.Error(t, err)
}

func TestForward_ServfailCountsAsFailureNxdomainDoesNot(t *testing.T) {
	servfailAddr := startStubServer(t, func(r *dns.Msg) *dns.Msg {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		return m
	})
	addr := startStubServer(t, func(r *dns.Msg) *dns.Msg {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Rcode = dns.RcodeNameError
		return m
	})

	f := New(nil)
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn("nosuch.example"), dns.TypeA)

	// The SERVFAIL upstream is skipped; the NXDOMAIN answer is accepted.
	resp, err := f.Forward(req, []string{servfailAddr, addr})
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}
