package manager

import (
	"fmt"
	"strings"

	"github.com/fleetwire/fleetwire/types"
)

// WGConfig describes the server side of the tunnel as it appears in every
// rendered client configuration.
type WGConfig struct {
	ServerPublicKey     string
	Endpoint            string
	DNS                 []string
	AllowedIPs          []string
	PersistentKeepalive int
}

// RenderClientConfig produces the wg-quick configuration text for a client.
// Pure function of its inputs and byte-reproducible: identical inputs yield
// identical output, which the regression tests rely on.
func RenderClientConfig(client *Client, wg WGConfig, priv types.PrivateKey) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", priv.String())
	fmt.Fprintf(&b, "Address = %s/32\n", client.AssignedIP)
	if len(wg.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(wg.DNS, ", "))
	}

	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", wg.ServerPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", wg.Endpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(wg.AllowedIPs, ", "))
	if wg.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", wg.PersistentKeepalive)
	}

	return b.String()
}
