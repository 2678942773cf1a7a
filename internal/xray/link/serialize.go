package link

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Encode converts a spec back into its canonical share link.
// Decode(s.Encode()) yields a spec equal to s.
func (s ConnectionSpec) Encode() string {
	switch s.Protocol {
	case VMess:
		return s.toVMessURI()
	default:
		return s.toVLESSURI()
	}
}

func (s ConnectionSpec) toVMessURI() string {
	v := vmessJSON{
		V:    "2",
		Ps:   s.Remark,
		Add:  s.Address,
		Port: s.Port,
		Id:   s.UserID,
		Aid:  s.AlterID,
		Scy:  s.Cipher,
		Net:  string(s.Network),
		Type: s.HeaderType,
		Host: s.Host,
		Path: s.Path,
		Tls:  "",
	}

	switch s.Network {
	case NetworkGRPC:
		v.Type = s.Mode
		v.Path = s.ServiceName
	case NetworkXHTTP:
		v.Type = s.Mode
	}

	switch s.Security {
	case SecurityTLS:
		v.Tls = "tls"
		v.Sni = s.TLS.ServerName
		v.Fp = s.TLS.Fingerprint
		v.Alpn = strings.Join(s.TLS.ALPN, ",")
	case SecurityReality:
		v.Tls = "reality"
		v.Sni = s.Reality.ServerName
		v.Fp = s.Reality.Fingerprint
		v.Pbk = s.Reality.PublicKey
		v.Sid = s.Reality.ShortID
		v.Spx = s.Reality.SpiderX
	}

	b, _ := json.Marshal(v)
	return "vmess://" + base64.StdEncoding.EncodeToString(b)
}

func (s ConnectionSpec) toVLESSURI() string {
	u := url.URL{
		Scheme:   string(s.Protocol),
		User:     url.User(s.UserID),
		Host:     net.JoinHostPort(s.Address, strconv.Itoa(s.Port)),
		Fragment: s.Remark,
	}

	q := url.Values{}
	q.Set("encryption", "none")
	q.Set("type", string(s.Network))
	q.Set("security", string(s.Security))
	if s.Host != "" {
		q.Set("host", s.Host)
	}
	if s.Path != "" {
		q.Set("path", s.Path)
	}
	if s.HeaderType != "" {
		q.Set("headerType", s.HeaderType)
	}
	if s.Mode != "" {
		q.Set("mode", s.Mode)
	}
	if s.ServiceName != "" {
		q.Set("serviceName", s.ServiceName)
	}
	if s.Flow != "" {
		q.Set("flow", s.Flow)
	}

	switch s.Security {
	case SecurityTLS:
		if s.TLS.ServerName != "" {
			q.Set("sni", s.TLS.ServerName)
		}
		if s.TLS.Fingerprint != "" {
			q.Set("fp", s.TLS.Fingerprint)
		}
		if len(s.TLS.ALPN) > 0 {
			q.Set("alpn", strings.Join(s.TLS.ALPN, ","))
		}
		if s.TLS.AllowInsecure {
			q.Set("allowInsecure", "1")
		}
	case SecurityReality:
		if s.Reality.ServerName != "" {
			q.Set("sni", s.Reality.ServerName)
		}
		if s.Reality.Fingerprint != "" {
			q.Set("fp", s.Reality.Fingerprint)
		}
		q.Set("pbk", s.Reality.PublicKey)
		q.Set("sid", s.Reality.ShortID)
		if s.Reality.SpiderX != "" {
			q.Set("spx", s.Reality.SpiderX)
		}
	}

	u.RawQuery = q.Encode()
	return u.String()
}

// String renders a short, credential free description for logs.
func (s ConnectionSpec) String() string {
	return fmt.Sprintf("%s://%s (%s/%s)", s.Protocol, net.JoinHostPort(s.Address, strconv.Itoa(s.Port)), s.Network, s.Security)
}
