package manager

import (
	"fmt"
	"net/netip"
	"strings"
	"testing"

	"github.com/fleetwire/fleetwire/types"
)

func testWGConfig() WGConfig {
	return WGConfig{
		ServerPublicKey:     "c2VydmVyLXB1YmxpYy1rZXktZml4dHVyZQ==",
		Endpoint:            "vpn.example.com:51820",
		DNS:                 []string{"100.70.0.254", "1.1.1.1"},
		AllowedIPs:          []string{"0.0.0.0/0"},
		PersistentKeepalive: 25,
	}
}

func TestRenderClientConfig(t *testing.T) {
	priv := types.NewPrivateKey()
	client := &Client{
		AssignedIP: netip.MustParseAddr("100.70.0.5"),
	}

	got := RenderClientConfig(client, testWGConfig(), priv)
	want := fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = 100.70.0.5/32
DNS = 100.70.0.254, 1.1.1.1

[Peer]
PublicKey = c2VydmVyLXB1YmxpYy1rZXktZml4dHVyZQ==
Endpoint = vpn.example.com:51820
AllowedIPs = 0.0.0.0/0
PersistentKeepalive = 25
`, priv.String())

	if got != want {
		t.Fatalf("rendered config mismatch\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestRenderClientConfigOmitsOptionalLines(t *testing.T) {
	priv := types.NewPrivateKey()
	client := &Client{AssignedIP: netip.MustParseAddr("100.70.0.9")}

	wg := testWGConfig()
	wg.DNS = nil
	wg.PersistentKeepalive = 0

	got := RenderClientConfig(client, wg, priv)
	if strings.Contains(got, "DNS") {
		t.Error("DNS line rendered with no servers configured")
	}
	if strings.Contains(got, "PersistentKeepalive") {
		t.Error("PersistentKeepalive line rendered when disabled")
	}
}

func TestRenderClientConfigDeterministic(t *testing.T) {
	priv := types.NewPrivateKey()
	client := &Client{AssignedIP: netip.MustParseAddr("100.70.0.7")}

	first := RenderClientConfig(client, testWGConfig(), priv)
	second := RenderClientConfig(client, testWGConfig(), priv)
	if first != second {
		t.Fatal("identical inputs rendered different configs")
	}
}
