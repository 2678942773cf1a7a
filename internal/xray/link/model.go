package link

// Protocol is the outbound protocol named by the link scheme.
type Protocol string

const (
	VMess Protocol = "vmess"
	VLESS Protocol = "vless"
)

// Network is the transport type. The set is open: values the engine adds
// later are carried through untouched.
type Network string

const (
	NetworkTCP   Network = "tcp"
	NetworkWS    Network = "ws"
	NetworkHTTP  Network = "http" // h2
	NetworkXHTTP Network = "xhttp"
	NetworkGRPC  Network = "grpc"
)

// Known reports whether the synthesizer has a dedicated transport block for n.
func (n Network) Known() bool {
	switch n {
	case NetworkTCP, NetworkWS, NetworkHTTP, NetworkXHTTP, NetworkGRPC:
		return true
	}
	return false
}

// Security is the stream security layer.
type Security string

const (
	SecurityNone    Security = "none"
	SecurityTLS     Security = "tls"
	SecurityReality Security = "reality"
)

type TLSParams struct {
	ServerName    string
	Fingerprint   string
	ALPN          []string
	AllowInsecure bool
}

type RealityParams struct {
	PublicKey   string // pbk
	ShortID     string // sid
	SpiderX     string // spx
	Fingerprint string
	ServerName  string
}

// ConnectionSpec is the normalized, protocol agnostic form of a share link.
// Values are treated as immutable; use Clone before changing shape.
//
// TLS is set only when Security is tls, Reality only when Security is
// reality. Security none implies both are nil.
type ConnectionSpec struct {
	Protocol Protocol
	Remark   string

	// Endpoint
	Address string
	Port    int

	// Identity
	UserID     string
	AlterID    int    // VMess only
	Cipher     string // VMess "scy"
	Encryption string // VLESS, always "none"
	Flow       string // VLESS, e.g. xtls-rprx-vision

	// Transport
	Network     Network
	HeaderType  string // tcp header obfuscation
	Host        string
	Path        string
	Mode        string // xhttp mode, grpc "multi"
	ServiceName string // grpc

	// Security
	Security Security
	TLS      *TLSParams
	Reality  *RealityParams
}

// Clone returns a deep copy of s.
func (s ConnectionSpec) Clone() ConnectionSpec {
	c := s
	if s.TLS != nil {
		t := *s.TLS
		if s.TLS.ALPN != nil {
			t.ALPN = append([]string(nil), s.TLS.ALPN...)
		}
		c.TLS = &t
	}
	if s.Reality != nil {
		r := *s.Reality
		c.Reality = &r
	}
	return c
}

// Equal reports whether two specs carry the same values.
func (s ConnectionSpec) Equal(o ConnectionSpec) bool {
	a, b := s, o
	a.TLS, a.Reality, b.TLS, b.Reality = nil, nil, nil, nil
	if a != b {
		return false
	}
	if (s.TLS == nil) != (o.TLS == nil) || (s.Reality == nil) != (o.Reality == nil) {
		return false
	}
	if s.Reality != nil && *s.Reality != *o.Reality {
		return false
	}
	if s.TLS != nil {
		if s.TLS.ServerName != o.TLS.ServerName ||
			s.TLS.Fingerprint != o.TLS.Fingerprint ||
			s.TLS.AllowInsecure != o.TLS.AllowInsecure ||
			len(s.TLS.ALPN) != len(o.TLS.ALPN) {
			return false
		}
		for i := range s.TLS.ALPN {
			if s.TLS.ALPN[i] != o.TLS.ALPN[i] {
				return false
			}
		}
	}
	return true
}
