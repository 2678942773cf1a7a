package document

import (
	"net/netip"
	"sort"
	"strings"

	"rayconf/internal/xray/link"
)

const xhttpStreamOne = "stream-one"

// Options are the user controlled inputs of Synthesize. Zero values are
// used as given; start from DefaultOptions.
type Options struct {
	ListenAddress string
	SocksPort     int
	HTTPPort      int
	Sniffing      bool

	// DirectDomains bypass the proxy. IP, CIDR and geoip: entries become ip
	// rules.
	DirectDomains  []string
	PrivateIPs     []string
	BlockDomains   []string
	DomainStrategy string

	LogLevel  string
	AccessLog string
	ErrorLog  string
}

func DefaultOptions() Options {
	return Options{
		ListenAddress:  "127.0.0.1",
		SocksPort:      1080,
		HTTPPort:       1081,
		Sniffing:       true,
		PrivateIPs:     []string{"geoip:private"},
		BlockDomains:   []string{"geosite:category-ads-all"},
		DomainStrategy: "IPIfNonMatch",
		LogLevel:       "warning",
	}
}

// Synthesize builds the complete engine document for spec. It is pure: the
// same (spec, opts) always produces an identical document.
func Synthesize(spec link.ConnectionSpec, opts Options) Document {
	doc := Document{
		Inbounds: buildInbounds(opts),
		Outbounds: []Outbound{
			buildProxy(spec),
			{Tag: TagDirect, Protocol: "freedom"},
			{Tag: TagBlock, Protocol: "blackhole"},
		},
		Routing: Routing{
			DomainStrategy: opts.DomainStrategy,
			Rules:          buildRules(opts),
		},
	}
	if opts.LogLevel != "" {
		doc.Log = &Log{LogLevel: opts.LogLevel, Access: opts.AccessLog, Error: opts.ErrorLog}
	}
	return doc
}

func buildInbounds(opts Options) []Inbound {
	socks := Inbound{
		Tag:      TagSocksIn,
		Port:     opts.SocksPort,
		Listen:   opts.ListenAddress,
		Protocol: "socks",
		Settings: InboundSettings{Auth: "noauth", UDP: true, IP: opts.ListenAddress},
	}
	if opts.Sniffing {
		socks.Sniffing = &Sniffing{Enabled: true, DestOverride: []string{"http", "tls"}}
	}

	http := Inbound{
		Tag:      TagHTTPIn,
		Port:     opts.HTTPPort,
		Listen:   opts.ListenAddress,
		Protocol: "http",
		Settings: InboundSettings{Timeout: 300},
	}
	return []Inbound{socks, http}
}

// --- Proxy outbound ---

func buildProxy(spec link.ConnectionSpec) Outbound {
	user := User{ID: spec.UserID}
	switch spec.Protocol {
	case link.VMess:
		aid := spec.AlterID
		user.AlterID = &aid
		user.Security = spec.Cipher
	case link.VLESS:
		user.Encryption = spec.Encryption
		if user.Encryption == "" {
			user.Encryption = "none"
		}
		user.Flow = spec.Flow
	}

	return Outbound{
		Tag:      TagProxy,
		Protocol: string(spec.Protocol),
		Settings: OutboundSettings{
			VNext: []Server{{
				Address: spec.Address,
				Port:    spec.Port,
				Users:   []User{user},
			}},
		},
		StreamSettings: buildStreamSettings(spec),
	}
}

func buildStreamSettings(spec link.ConnectionSpec) *StreamSettings {
	network := spec.Network
	if network == "" {
		network = link.NetworkTCP
	}
	sc := &StreamSettings{Network: string(network)}

	// Security. None emits nothing at all.
	switch {
	case spec.Security == link.SecurityTLS && spec.TLS != nil:
		sc.Security = string(link.SecurityTLS)
		sc.TLSSettings = &TLSSettings{
			ServerName:    spec.TLS.ServerName,
			AllowInsecure: spec.TLS.AllowInsecure,
			Fingerprint:   spec.TLS.Fingerprint,
			ALPN:          spec.TLS.ALPN,
		}
	case spec.Security == link.SecurityReality && spec.Reality != nil:
		sc.Security = string(link.SecurityReality)
		sc.RealitySettings = &RealitySettings{
			ServerName:  spec.Reality.ServerName,
			Fingerprint: spec.Reality.Fingerprint,
			PublicKey:   spec.Reality.PublicKey,
			ShortID:     spec.Reality.ShortID,
			SpiderX:     spec.Reality.SpiderX,
		}
	}

	// Transports. Unknown networks carry only the network name.
	switch network {
	case link.NetworkTCP:
		if spec.HeaderType == "http" {
			req := &HTTPRequest{}
			if spec.Path != "" {
				req.Path = []string{spec.Path}
			}
			if spec.Host != "" {
				req.Headers = map[string][]string{"Host": splitHosts(spec.Host)}
			}
			sc.TCPSettings = &TCPSettings{Header: TCPHeader{Type: "http", Request: req}}
		}
	case link.NetworkWS:
		ws := &WSSettings{Path: spec.Path}
		if spec.Host != "" {
			ws.Headers = map[string]string{"Host": spec.Host}
		}
		sc.WSSettings = ws
	case link.NetworkHTTP:
		// The engine dropped the h2 transport in favour of xhttp stream-one.
		sc.Network = string(link.NetworkXHTTP)
		sc.XHTTPSettings = &XHTTPSettings{Path: spec.Path, Host: firstNonEmpty(splitHosts(spec.Host)...), Mode: xhttpStreamOne}
	case link.NetworkXHTTP:
		sc.XHTTPSettings = &XHTTPSettings{Path: spec.Path, Host: spec.Host, Mode: spec.Mode}
	case link.NetworkGRPC:
		sc.GRPCSettings = &GRPCSettings{
			ServiceName: firstNonEmpty(spec.ServiceName, spec.Path),
			MultiMode:   spec.Mode == "multi",
		}
	}

	return sc
}

// --- Routing ---

// buildRules emits, in order: direct entries, private ranges, block list,
// and the catch-all. The catch-all is always present and always last.
func buildRules(opts Options) []Rule {
	var rules []Rule

	for _, entry := range normalizeDirect(opts.DirectDomains) {
		rule := Rule{Type: "field", OutboundTag: TagDirect}
		if isIPEntry(entry) {
			rule.IP = []string{entry}
		} else {
			rule.Domain = []string{entry}
		}
		rules = append(rules, rule)
	}

	if len(opts.PrivateIPs) > 0 {
		rules = append(rules, Rule{Type: "field", IP: append([]string(nil), opts.PrivateIPs...), OutboundTag: TagDirect})
	}
	if len(opts.BlockDomains) > 0 {
		rules = append(rules, Rule{Type: "field", Domain: append([]string(nil), opts.BlockDomains...), OutboundTag: TagBlock})
	}

	return append(rules, Rule{Type: "field", Network: CatchAllNetwork, OutboundTag: TagProxy})
}

// normalizeDirect trims, lower-cases, deduplicates and sorts entries.
func normalizeDirect(entries []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func isIPEntry(s string) bool {
	if strings.HasPrefix(s, "geoip:") {
		return true
	}
	if _, err := netip.ParseAddr(s); err == nil {
		return true
	}
	_, err := netip.ParsePrefix(s)
	return err == nil
}

func splitHosts(s string) []string {
	var out []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
