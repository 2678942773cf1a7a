package link_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"rayconf/internal/xray/link"
)

const exampleUUID = "e396992f-8a3c-4b6b-9f2e-1d2c3b4a5f60"

func vmessLink(t *testing.T, fields map[string]interface{}) string {
	t.Helper()
	b, err := json.Marshal(fields)
	if err != nil {
		t.Fatal(err)
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(b)
}

func TestDecodeVLESSReality(t *testing.T) {
	raw := "vless://" + exampleUUID + "@91.99.152.11:2222?encryption=none&security=reality&sni=cp7.cloudflare.com&fp=chrome&pbk=PK&sid=SID&spx=%2Fcdn%2Fimage.jpg&type=xhttp&path=%2F#my%20node"

	s, err := link.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if s.Protocol != link.VLESS || s.Address != "91.99.152.11" || s.Port != 2222 {
		t.Fatalf("endpoint = %s %s:%d", s.Protocol, s.Address, s.Port)
	}
	if s.Network != link.NetworkXHTTP || s.Path != "/" {
		t.Fatalf("transport = %s %q", s.Network, s.Path)
	}
	if s.Security != link.SecurityReality || s.TLS != nil || s.Reality == nil {
		t.Fatalf("security = %s tls=%v reality=%v", s.Security, s.TLS, s.Reality)
	}
	want := link.RealityParams{
		PublicKey:   "PK",
		ShortID:     "SID",
		SpiderX:     "/cdn/image.jpg",
		Fingerprint: "chrome",
		ServerName:  "cp7.cloudflare.com",
	}
	if *s.Reality != want {
		t.Fatalf("reality = %+v, want %+v", *s.Reality, want)
	}
	if s.UserID != exampleUUID || s.Encryption != "none" || s.Remark != "my node" {
		t.Fatalf("identity = %q %q %q", s.UserID, s.Encryption, s.Remark)
	}
}

func TestDecodeVMessWSTLS(t *testing.T) {
	raw := vmessLink(t, map[string]interface{}{
		"v":    "2",
		"ps":   " hk-01 ",
		"add":  "Example.COM",
		"port": "443",
		"id":   "E396992F-8A3C-4B6B-9F2E-1D2C3B4A5F60",
		"net":  "WS",
		"host": "cdn.example.com",
		"path": "/ray",
		"tls":  "tls",
		"fp":   "Chrome",
		"alpn": "h2, http/1.1",
	})

	s, err := link.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if s.Protocol != link.VMess || s.Address != "example.com" || s.Port != 443 {
		t.Fatalf("endpoint = %s %s:%d", s.Protocol, s.Address, s.Port)
	}
	if s.UserID != exampleUUID {
		t.Fatalf("uuid not canonical: %q", s.UserID)
	}
	if s.AlterID != 0 || s.Cipher != "auto" {
		t.Fatalf("vmess defaults = aid %d scy %q", s.AlterID, s.Cipher)
	}
	if s.Network != link.NetworkWS || s.Host != "cdn.example.com" || s.Path != "/ray" {
		t.Fatalf("transport = %s %q %q", s.Network, s.Host, s.Path)
	}
	if s.Security != link.SecurityTLS || s.TLS == nil || s.Reality != nil {
		t.Fatalf("security = %s", s.Security)
	}
	// sni absent: falls back to host
	if s.TLS.ServerName != "cdn.example.com" || s.TLS.Fingerprint != "chrome" {
		t.Fatalf("tls = %+v", *s.TLS)
	}
	if len(s.TLS.ALPN) != 2 || s.TLS.ALPN[0] != "h2" || s.TLS.ALPN[1] != "http/1.1" {
		t.Fatalf("alpn = %v", s.TLS.ALPN)
	}
	if s.Remark != "hk-01" {
		t.Fatalf("remark = %q", s.Remark)
	}
}

func TestDecodeVMessVariants(t *testing.T) {
	// numeric port and aid, boolean style tls, h2 alias
	raw := vmessLink(t, map[string]interface{}{
		"add":  "1.2.3.4",
		"port": 8443,
		"id":   exampleUUID,
		"aid":  2,
		"net":  "h2",
		"type": "none",
		"tls":  "true",
		"sni":  "sni.example.com",
	})
	s, err := link.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Port != 8443 || s.AlterID != 2 {
		t.Fatalf("port/aid = %d/%d", s.Port, s.AlterID)
	}
	if s.Network != link.NetworkHTTP || s.HeaderType != "" {
		t.Fatalf("network = %s header %q", s.Network, s.HeaderType)
	}
	if s.Security != link.SecurityTLS || s.TLS.ServerName != "sni.example.com" {
		t.Fatalf("tls = %v", s.TLS)
	}

	// JSON boolean tls, server name falls back to the address
	boolTLS := vmessLink(t, map[string]interface{}{"add": "H.Example", "port": 443, "id": exampleUUID, "net": "ws", "tls": true})
	s, err = link.Decode(boolTLS)
	if err != nil {
		t.Fatalf("decode boolean tls: %v", err)
	}
	if s.Security != link.SecurityTLS || s.TLS.ServerName != "h.example" || s.Network != link.NetworkWS {
		t.Fatalf("boolean tls = %s %+v", s.Security, s.TLS)
	}
	off := vmessLink(t, map[string]interface{}{"add": "h.example", "port": 443, "id": exampleUUID, "tls": false})
	if s, err = link.Decode(off); err != nil || s.Security != link.SecurityNone {
		t.Fatalf("tls false = %v, %v", s.Security, err)
	}

	// security override from query, no tls in payload
	plain := vmessLink(t, map[string]interface{}{"add": "1.2.3.4", "port": "80", "id": exampleUUID})
	s, err = link.Decode(plain + "?security=tls&sni=over.example.com")
	if err != nil {
		t.Fatalf("decode override: %v", err)
	}
	if s.Security != link.SecurityTLS || s.TLS.ServerName != "over.example.com" {
		t.Fatalf("override not applied: %s %v", s.Security, s.TLS)
	}

	// unpadded url-safe payload
	b, _ := json.Marshal(map[string]interface{}{"add": "h", "port": "1", "id": exampleUUID, "ps": "??>>"})
	s, err = link.Decode("vmess://" + base64.RawURLEncoding.EncodeToString(b))
	if err != nil {
		t.Fatalf("decode raw url base64: %v", err)
	}
	if s.Security != link.SecurityNone || s.TLS != nil || s.Reality != nil {
		t.Fatalf("expected no security, got %s", s.Security)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		kind  error
		field string
	}{
		{"bad base64", "vmess://!!!notbase64!!!", link.ErrMalformedPayload, "payload"},
		{"bad json", "vmess://" + base64.StdEncoding.EncodeToString([]byte("{not json")), link.ErrMalformedPayload, "payload"},
		{"missing add", vmessLink(t, map[string]interface{}{"port": "1", "id": exampleUUID}), link.ErrMissingField, "add"},
		{"missing port", vmessLink(t, map[string]interface{}{"add": "h", "id": exampleUUID}), link.ErrMissingField, "port"},
		{"missing id", vmessLink(t, map[string]interface{}{"add": "h", "port": 1}), link.ErrMissingField, "id"},
		{"bad uuid", vmessLink(t, map[string]interface{}{"add": "h", "port": 1, "id": "not-a-uuid"}), link.ErrInvalidField, "id"},
		{"port range", vmessLink(t, map[string]interface{}{"add": "h", "port": 70000, "id": exampleUUID}), link.ErrInvalidField, "port"},
		{"vmess reality without keys", vmessLink(t, map[string]interface{}{"add": "h", "port": 1, "id": exampleUUID, "tls": "reality"}), link.ErrIncompleteRealityParams, "pbk"},
		{"vless encryption", "vless://" + exampleUUID + "@h:443?encryption=aes-128-gcm", link.ErrUnsupportedEncryption, "encryption"},
		{"vless reality no pbk", "vless://" + exampleUUID + "@h:443?security=reality&sid=ab", link.ErrIncompleteRealityParams, "pbk"},
		{"vless reality no sid", "vless://" + exampleUUID + "@h:443?security=reality&pbk=PK", link.ErrIncompleteRealityParams, "sid"},
		{"vless no user", "vless://h:443?type=ws", link.ErrMissingField, "id"},
		{"vless bad escape", "vless://" + exampleUUID + "@h:443?path=%zz", link.ErrMalformedPayload, "query"},
		{"vless bad uuid", "vless://nope@h:443", link.ErrInvalidField, "id"},
		{"scheme", "trojan://pass@h:443", link.ErrUnsupportedScheme, "trojan"},
		{"no scheme", "just text", link.ErrMalformedPayload, "scheme"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := link.Decode(tc.raw)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tc.kind) {
				t.Fatalf("error %v is not %v", err, tc.kind)
			}
			var de *link.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error %T is not *DecodeError", err)
			}
			if de.Field != tc.field {
				t.Fatalf("field = %q, want %q", de.Field, tc.field)
			}
		})
	}
}

func TestDecodeVLESSDefaults(t *testing.T) {
	s, err := link.Decode("  VLESS://" + exampleUUID + "@Host.Example?type=GRPC&serviceName=svc&mode=multi&flow=xtls-rprx-vision&security=tls&alpn=h2\r\n")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Port != 443 || s.Address != "host.example" {
		t.Fatalf("endpoint = %s:%d", s.Address, s.Port)
	}
	if s.Network != link.NetworkGRPC || s.ServiceName != "svc" || s.Mode != "multi" {
		t.Fatalf("grpc = %s %q %q", s.Network, s.ServiceName, s.Mode)
	}
	if s.Flow != "xtls-rprx-vision" || s.Encryption != "none" {
		t.Fatalf("vless = %q %q", s.Flow, s.Encryption)
	}
	if s.TLS == nil || s.TLS.ServerName != "host.example" || len(s.TLS.ALPN) != 1 {
		t.Fatalf("tls = %+v", s.TLS)
	}
}

func TestUnknownNetworkPassesThrough(t *testing.T) {
	s, err := link.Decode("vless://" + exampleUUID + "@h:1?type=Hysteria")
	if err != nil {
		t.Fatal(err)
	}
	if s.Network != "hysteria" || s.Network.Known() {
		t.Fatalf("network = %q known=%v", s.Network, s.Network.Known())
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	links := []string{
		"vless://" + exampleUUID + "@91.99.152.11:2222?encryption=none&security=reality&sni=cp7.cloudflare.com&fp=chrome&pbk=PK&sid=SID&spx=%2Fcdn%2Fimage.jpg&type=xhttp&path=%2F&mode=auto#r",
		"vless://" + exampleUUID + "@[2001:db8::1]:443?type=ws&host=a.example&path=%2Fws&security=tls&sni=b.example&alpn=h2,http%2F1.1&allowInsecure=1",
		vmessLink(t, map[string]interface{}{"add": "h", "port": 443, "id": exampleUUID, "net": "grpc", "path": "svc", "type": "gun", "tls": "tls", "sni": "s"}),
		vmessLink(t, map[string]interface{}{"add": "h", "port": 80, "id": exampleUUID, "net": "tcp", "type": "http", "host": "x", "path": "/p", "ps": "plain"}),
	}
	for _, raw := range links {
		first, err := link.Decode(raw)
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		second, err := link.Decode(first.Encode())
		if err != nil {
			t.Fatalf("decode encoded %s: %v", first.Encode(), err)
		}
		if !first.Equal(second) {
			t.Fatalf("round trip mismatch:\n%+v\n%+v", first, second)
		}
		if first.Fingerprint() != second.Fingerprint() {
			t.Fatal("fingerprint changed across round trip")
		}
	}
}

func TestFingerprintIgnoresRemark(t *testing.T) {
	a, _ := link.Decode("vless://" + exampleUUID + "@h:1#one")
	b, _ := link.Decode("vless://" + exampleUUID + "@h:1#two")
	c, _ := link.Decode("vless://" + exampleUUID + "@h:2#one")
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("remark changed fingerprint")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("port did not change fingerprint")
	}
}

func TestCloneIsDeep(t *testing.T) {
	s, err := link.Decode("vless://" + exampleUUID + "@h:1?security=tls&alpn=h2,http%2F1.1")
	if err != nil {
		t.Fatal(err)
	}
	c := s.Clone()
	c.TLS.ALPN[0] = "changed"
	c.TLS.ServerName = "changed"
	if s.TLS.ALPN[0] != "h2" || s.TLS.ServerName != "h" {
		t.Fatal("clone shares memory with the original")
	}
}

func TestExtract(t *testing.T) {
	text := "first vless://" + exampleUUID + "@h:1?type=ws.\r\n" +
		"dup vless://" + exampleUUID + "@h:1?type=ws\n" +
		"\n" +
		"trojan://ignored@h:1 and VMESS://abc=\n"
	got := link.Extract(text)
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	if got[0] != "vless://"+exampleUUID+"@h:1?type=ws" || got[1] != "VMESS://abc=" {
		t.Fatalf("got %v", got)
	}
}
