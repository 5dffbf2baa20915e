// Package forwarder implements the per-upstream DNS client with ordered
// failover described in spec.md §4.2.
package forwarder

import (
	"time"

	"github.com/miekg/dns"

	"grimm.is/leshy/internal/errs"
	"grimm.is/leshy/internal/logging"
)

// DefaultTimeout is the per-attempt timeout spec.md §4.2 calls for.
const DefaultTimeout = 2 * time.Second

// Forwarder sends a query to an ordered list of upstream addresses,
// trying each in turn until one answers.
type Forwarder struct {
	Timeout time.Duration
	log     *logging.Logger
}

// New creates a Forwarder with the default per-attempt timeout.
func New(log *logging.Logger) *Forwarder {
	if log == nil {
		log = logging.Default()
	}
	return &Forwarder{Timeout: DefaultTimeout, log: log}
}

// Forward tries each upstream in order, returning the first response that
// is not a transport error and not RCODE SERVFAIL. NXDOMAIN counts as
// success (spec.md §4.2). When every upstream fails, it returns an error
// wrapping the last failure; the caller synthesizes SERVFAIL.
func (f *Forwarder) Forward(req *dns.Msg, upstreams []string) (*dns.Msg, error) {
	if len(req.Question) == 0 {
		return nil, &errs.Internal{Reason: "forward called with no question"}
	}
	if len(upstreams) == 0 {
		return nil, &errs.Internal{Reason: "no upstreams configured"}
	}

	client := &dns.Client{Timeout: f.Timeout, Net: "udp"}

	var lastErr error
	for _, addr := range upstreams {
		resp, _, err := client.Exchange(req, addr)
		if err != nil {
			lastErr = &errs.UpstreamUnavailable{Upstream: addr, Err: err}
			f.log.Debug("upstream attempt failed", "upstream", addr, "error", err)
			continue
		}
		if resp.Rcode == dns.RcodeServerFailure {
			lastErr = &errs.UpstreamUnavailable{Upstream: addr, Err: errRcodeServfail}
			f.log.Debug("upstream returned SERVFAIL", "upstream", addr)
			continue
		}
		// Truncated UDP response: retry over TCP against the same
		// upstream. If the TCP attempt fails, the truncated UDP response
		// is returned; the next upstream is not tried.
		if resp.Truncated {
			tcpClient := &dns.Client{Timeout: f.Timeout, Net: "tcp"}
			tcpResp, _, tcpErr := tcpClient.Exchange(req, addr)
			if tcpErr == nil {
				return tcpResp, nil
			}
		}
		return resp, nil
	}

	return nil, lastErr
}

var errRcodeServfail = rcodeServfailError{}

type rcodeServfailError struct{}

func (rcodeServfailError) Error() string { return "upstream returned SERVFAIL" }
