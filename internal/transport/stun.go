package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
)

// NATType describes the type of NAT mapping observed via STUN probing,
// grounded on pkg/p2pnet/stunprober.go's classification, stripped of its
// libp2p host/metrics coupling.
type NATType string

const (
	NATNone              NATType = "none"
	NATFullCone          NATType = "full-cone"
	NATAddressRestricted NATType = "address-restricted"
	NATPortRestricted    NATType = "port-restricted"
	NATSymmetric         NATType = "symmetric"
	NATUnknown           NATType = "unknown"
)

// HolePunchable reports whether this NAT type is worth attempting
// simultaneous-open UDP hole punching against (spec §4.7: symmetric NAT is
// expected to fail, ~20% success, and falls through to relay).
func (n NATType) HolePunchable() bool {
	switch n {
	case NATNone, NATFullCone, NATAddressRestricted, NATPortRestricted:
		return true
	default:
		return false
	}
}

// DefaultSTUNServers are well-known public STUN servers.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// probeResult is the outcome of one STUN server probe.
type probeResult struct {
	externalIP   string
	externalPort int
	err          error
}

// STUNResult is the aggregate outcome of probing multiple STUN servers.
type STUNResult struct {
	NATType       NATType
	ExternalAddrs []string
	ProbedAt      time.Time
}

// ProbeNAT sends STUN Binding Requests to servers (DefaultSTUNServers if
// empty) concurrently from localConn and classifies the NAT type from the
// pattern of returned mappings.
func ProbeNAT(ctx context.Context, localConn *net.UDPConn, servers []string) (*STUNResult, error) {
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}

	results := make([]probeResult, len(servers))
	var wg sync.WaitGroup
	for i, server := range servers {
		wg.Add(1)
		go func(idx int, srv string) {
			defer wg.Done()
			results[idx] = stunBindingRequest(ctx, localConn, srv)
		}(i, server)
	}
	wg.Wait()

	result := &STUNResult{ProbedAt: time.Now()}
	seen := make(map[string]bool)
	successful := 0
	for _, r := range results {
		if r.err == nil {
			successful++
			addr := fmt.Sprintf("%s:%d", r.externalIP, r.externalPort)
			if !seen[addr] {
				seen[addr] = true
				result.ExternalAddrs = append(result.ExternalAddrs, addr)
			}
		}
	}
	result.NATType = classifyNAT(results)

	slog.Info("transport: stun probe complete", "servers", len(servers), "successful", successful, "nat_type", string(result.NATType))

	if successful == 0 {
		return result, fmt.Errorf("transport: all STUN probes failed")
	}
	return result, nil
}

// classifyNAT determines NAT type from probe results the same way
// stunprober.go does: same IP+port from every server implies an
// endpoint-independent mapping (conservatively classified as
// address-restricted, since distinguishing full-cone requires CHANGE-REQUEST
// support most public STUN servers lack); same IP but different ports
// implies port-restricted; different IPs implies symmetric.
func classifyNAT(results []probeResult) NATType {
	var successful []probeResult
	for _, r := range results {
		if r.err == nil {
			successful = append(successful, r)
		}
	}
	if len(successful) == 0 {
		return NATUnknown
	}
	if len(successful) == 1 {
		return NATUnknown
	}

	firstIP, firstPort := successful[0].externalIP, successful[0].externalPort
	sameIP, samePort := true, true
	for _, r := range successful[1:] {
		if r.externalIP != firstIP {
			sameIP = false
		}
		if r.externalPort != firstPort {
			samePort = false
		}
	}

	switch {
	case sameIP && samePort:
		return NATAddressRestricted
	case sameIP && !samePort:
		return NATPortRestricted
	default:
		return NATSymmetric
	}
}

// STUN (RFC 5389) Binding Request/Response is built and parsed with
// pion/stun rather than a hand-rolled wire codec — the non-goal the spec
// calls out explicitly. We still own the raw *net.UDPConn send/receive
// loop ourselves instead of using stun.Client, because the same local
// port this probe runs over is the one HolePunch later reuses, and
// stun.Client wants an already-connected net.Conn per server.
func stunBindingRequest(ctx context.Context, conn *net.UDPConn, server string) probeResult {
	addr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return probeResult{err: fmt.Errorf("resolve: %w", err)}
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return probeResult{err: fmt.Errorf("build stun request: %w", err)}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(3 * time.Second)
	}

	if _, err := conn.WriteToUDP(req.Raw, addr); err != nil {
		return probeResult{err: fmt.Errorf("write: %w", err)}
	}

	buf := make([]byte, 1500)
	conn.SetReadDeadline(deadline)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return probeResult{err: fmt.Errorf("read: %w", err)}
		}
		if from.String() != addr.String() {
			continue // stray datagram from a previous probe; keep waiting
		}
		return parseSTUNBindingResponse(buf[:n], req)
	}
}

func parseSTUNBindingResponse(buf []byte, req *stun.Message) probeResult {
	res := &stun.Message{Raw: append([]byte(nil), buf...)}
	if err := res.Decode(); err != nil {
		return probeResult{err: fmt.Errorf("decode stun response: %w", err)}
	}
	if res.TransactionID != req.TransactionID {
		return probeResult{err: fmt.Errorf("transaction ID mismatch")}
	}
	if res.Type.Method != stun.MethodBinding || res.Type.Class != stun.ClassSuccessResponse {
		return probeResult{err: fmt.Errorf("unexpected stun response type %s", res.Type)}
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return probeResult{externalIP: xorAddr.IP.String(), externalPort: xorAddr.Port}
	}
	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(res); err == nil {
		return probeResult{externalIP: mappedAddr.IP.String(), externalPort: mappedAddr.Port}
	}
	return probeResult{err: fmt.Errorf("no mapped address in stun response")}
}

// HolePunch opens a NAT mapping toward remoteAddr by firing simultaneous UDP
// packets from localConn and waiting briefly for any reply, per spec §4.7:
// "each initiates simultaneous UDP packets to the other to open NAT
// mappings." Both peers must call this at roughly the same time (driven by
// exchanging public endpoints in the token payload beforehand); it reports
// success only if the mapping looks open from this side, never a guarantee
// the peer's side opened too, which is why Join always falls through to
// relay on failure rather than trusting this alone.
func HolePunch(ctx context.Context, localConn *net.UDPConn, remoteAddr *net.UDPAddr) bool {
	punch := []byte("atmosphere-punch")
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(3 * time.Second)
	}

	done := make(chan bool, 1)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	go func() {
		buf := make([]byte, 64)
		localConn.SetReadDeadline(deadline)
		for {
			n, from, err := localConn.ReadFromUDP(buf)
			if err != nil {
				done <- false
				return
			}
			if from.IP.Equal(remoteAddr.IP) && n > 0 {
				done <- true
				return
			}
		}
	}()

	for {
		select {
		case ok := <-done:
			return ok
		case <-ticker.C:
			localConn.WriteToUDP(punch, remoteAddr)
		case <-ctx.Done():
			return false
		case <-time.After(time.Until(deadline)):
			return false
		}
	}
}
