package allocator

import (
	"bufio"
	"fmt"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerConfig is the parsed subset of a wg-quick configuration.
type PeerConfig struct {
	PrivateKey    wgtypes.Key
	Address       []string
	DNS           []string
	PeerPublicKey wgtypes.Key
	PresharedKey  *wgtypes.Key
	Endpoint      string
	AllowedIPs    []string
}

// PublicKey derives the interface's public key from its private key.
func (p *PeerConfig) PublicKey() wgtypes.Key {
	return p.PrivateKey.PublicKey()
}

// ParsePeerConfig validates wg-quick text issued by the allocator.
func ParsePeerConfig(text string) (*PeerConfig, error) {
	var (
		cfg                 PeerConfig
		section             string
		havePriv, havePeerK bool
	)

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed line %q", line)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch section + "." + key {
		case "interface.privatekey":
			k, err := wgtypes.ParseKey(value)
			if err != nil {
				return nil, fmt.Errorf("invalid private key: %w", err)
			}
			cfg.PrivateKey = k
			havePriv = true
		case "interface.address":
			cfg.Address = append(cfg.Address, splitList(value)...)
		case "interface.dns":
			cfg.DNS = append(cfg.DNS, splitList(value)...)
		case "peer.publickey":
			k, err := wgtypes.ParseKey(value)
			if err != nil {
				return nil, fmt.Errorf("invalid peer public key: %w", err)
			}
			cfg.PeerPublicKey = k
			havePeerK = true
		case "peer.presharedkey":
			k, err := wgtypes.ParseKey(value)
			if err != nil {
				return nil, fmt.Errorf("invalid preshared key: %w", err)
			}
			cfg.PresharedKey = &k
		case "peer.endpoint":
			cfg.Endpoint = value
		case "peer.allowedips":
			cfg.AllowedIPs = append(cfg.AllowedIPs, splitList(value)...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if !havePriv {
		return nil, fmt.Errorf("missing [Interface] PrivateKey")
	}
	if !havePeerK {
		return nil, fmt.Errorf("missing [Peer] PublicKey")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("missing [Peer] Endpoint")
	}
	return &cfg, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
