// Package vless builds client-importable VLESS+Reality artifacts: share
// links and the X25519 key pairs the Reality handshake needs.
package vless

import (
	"fmt"
	"net/url"
)

// LinkParams holds everything needed to render a VLESS share link.
type LinkParams struct {
	UUID          string
	ServerAddress string
	Port          int
	SNI           string
	Fingerprint   string
	PublicKey     string
	ShortID       string
	SpiderX       string
	Flow          string
	Label         string
}

// BuildLink renders a vless:// share link with Reality parameters.
// Parameter order matches what common clients (v2raytun included) expect.
func BuildLink(p LinkParams) string {
	if p.SpiderX == "" {
		p.SpiderX = "/"
	}
	if p.Flow == "" {
		p.Flow = "none"
	}

	label := p.Label
	if label == "" {
		label = p.ServerAddress
	}

	query := fmt.Sprintf(
		"type=tcp&security=reality&sni=%s&fp=%s&pbk=%s&sid=%s&spx=%s&flow=%s",
		p.SNI, p.Fingerprint, p.PublicKey, p.ShortID, p.SpiderX, p.Flow,
	)

	return fmt.Sprintf("vless://%s@%s:%d?%s#%s", p.UUID, p.ServerAddress, p.Port, query, url.PathEscape(label))
}
