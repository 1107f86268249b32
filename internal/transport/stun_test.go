package transport

import (
	"fmt"
	"net"
	"testing"

	"github.com/pion/stun/v3"
)

func TestClassifyNAT(t *testing.T) {
	tests := []struct {
		name    string
		results []probeResult
		want    NATType
	}{
		{
			name:    "all probes failed",
			results: []probeResult{{err: fmt.Errorf("x")}, {err: fmt.Errorf("x")}},
			want:    NATUnknown,
		},
		{
			name:    "single success insufficient to classify",
			results: []probeResult{{externalIP: "1.2.3.4", externalPort: 100}, {err: fmt.Errorf("x")}},
			want:    NATUnknown,
		},
		{
			name: "same ip and port across servers",
			results: []probeResult{
				{externalIP: "1.2.3.4", externalPort: 100},
				{externalIP: "1.2.3.4", externalPort: 100},
			},
			want: NATAddressRestricted,
		},
		{
			name: "same ip, different port per server",
			results: []probeResult{
				{externalIP: "1.2.3.4", externalPort: 100},
				{externalIP: "1.2.3.4", externalPort: 200},
			},
			want: NATPortRestricted,
		},
		{
			name: "different ip per server",
			results: []probeResult{
				{externalIP: "1.2.3.4", externalPort: 100},
				{externalIP: "5.6.7.8", externalPort: 100},
			},
			want: NATSymmetric,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyNAT(tt.results); got != tt.want {
				t.Errorf("classifyNAT() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHolePunchable(t *testing.T) {
	tests := []struct {
		nat  NATType
		want bool
	}{
		{NATNone, true},
		{NATFullCone, true},
		{NATAddressRestricted, true},
		{NATPortRestricted, true},
		{NATSymmetric, false},
		{NATUnknown, false},
	}
	for _, tt := range tests {
		if got := tt.nat.HolePunchable(); got != tt.want {
			t.Errorf("%s.HolePunchable() = %v, want %v", tt.nat, got, tt.want)
		}
	}
}

func TestParseSTUNBindingResponseXorMappedAddress(t *testing.T) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	wantIP := net.IPv4(203, 0, 113, 42)
	wantPort := 54321

	res, err := stun.Build(req, stun.BindingSuccess, &stun.XORMappedAddress{IP: wantIP, Port: wantPort})
	if err != nil {
		t.Fatalf("build response: %v", err)
	}

	result := parseSTUNBindingResponse(res.Raw, req)
	if result.err != nil {
		t.Fatalf("parseSTUNBindingResponse: %v", result.err)
	}
	if result.externalIP != wantIP.String() {
		t.Fatalf("externalIP = %q, want %q", result.externalIP, wantIP.String())
	}
	if result.externalPort != wantPort {
		t.Fatalf("externalPort = %d, want %d", result.externalPort, wantPort)
	}
}

func TestParseSTUNBindingResponseRejectsTransactionMismatch(t *testing.T) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	res, err := stun.Build(stun.TransactionID, stun.BindingSuccess, &stun.XORMappedAddress{
		IP: net.IPv4(1, 2, 3, 4), Port: 1111,
	})
	if err != nil {
		t.Fatalf("build response: %v", err)
	}

	result := parseSTUNBindingResponse(res.Raw, req)
	if result.err == nil {
		t.Fatal("mismatched transaction ID should be rejected")
	}
}
