package document_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"rayconf/internal/xray/document"
	"rayconf/internal/xray/link"
	"rayconf/internal/xray/policy"
)

const uid = "e396992f-8a3c-4b6b-9f2e-1d2c3b4a5f60"

const realityLink = "vless://" + uid + "@91.99.152.11:2222?encryption=none&security=reality&sni=cp7.cloudflare.com&fp=chrome&pbk=PK&sid=SID&spx=%2Fcdn%2Fimage.jpg&type=xhttp&path=%2F"

func decode(t *testing.T, raw string) link.ConnectionSpec {
	t.Helper()
	s, err := link.Decode(raw)
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return s
}

var wellFormed = []string{
	realityLink,
	"vless://" + uid + "@h.example:443?type=ws&host=cdn.example&path=%2Fws&security=tls&sni=s.example&alpn=h2,http%2F1.1",
	"vless://" + uid + "@h.example:443?type=grpc&serviceName=svc&mode=multi&security=tls&flow=xtls-rprx-vision",
	"vless://" + uid + "@h.example:80?type=tcp&headerType=http&host=a.example,b.example&path=%2Fp",
	"vless://" + uid + "@h.example:80?type=h2&host=a.example&path=%2Fh2",
	"vless://" + uid + "@h.example:80?type=quic",
	"vless://" + uid + "@h.example:80",
}

const golden = `{
  "log": {
    "loglevel": "warning"
  },
  "inbounds": [
    {
      "tag": "socks-in",
      "port": 1080,
      "listen": "127.0.0.1",
      "protocol": "socks",
      "settings": {
        "auth": "noauth",
        "udp": true,
        "ip": "127.0.0.1"
      },
      "sniffing": {
        "enabled": true,
        "destOverride": [
          "http",
          "tls"
        ]
      }
    },
    {
      "tag": "http-in",
      "port": 1081,
      "listen": "127.0.0.1",
      "protocol": "http",
      "settings": {
        "timeout": 300
      }
    }
  ],
  "outbounds": [
    {
      "tag": "proxy",
      "protocol": "vless",
      "settings": {
        "vnext": [
          {
            "address": "91.99.152.11",
            "port": 2222,
            "users": [
              {
                "id": "e396992f-8a3c-4b6b-9f2e-1d2c3b4a5f60",
                "encryption": "none"
              }
            ]
          }
        ]
      },
      "streamSettings": {
        "network": "xhttp",
        "security": "reality",
        "realitySettings": {
          "serverName": "cp7.cloudflare.com",
          "fingerprint": "chrome",
          "publicKey": "PK",
          "shortId": "SID",
          "spiderX": "/cdn/image.jpg"
        },
        "xhttpSettings": {
          "path": "/"
        }
      }
    },
    {
      "tag": "direct",
      "protocol": "freedom",
      "settings": {}
    },
    {
      "tag": "block",
      "protocol": "blackhole",
      "settings": {}
    }
  ],
  "routing": {
    "domainStrategy": "IPIfNonMatch",
    "rules": [
      {
        "type": "field",
        "ip": [
          "10.0.0.0/8"
        ],
        "outboundTag": "direct"
      },
      {
        "type": "field",
        "domain": [
          "example.com"
        ],
        "outboundTag": "direct"
      },
      {
        "type": "field",
        "ip": [
          "geoip:private"
        ],
        "outboundTag": "direct"
      },
      {
        "type": "field",
        "domain": [
          "geosite:category-ads-all"
        ],
        "outboundTag": "block"
      },
      {
        "type": "field",
        "network": "tcp,udp",
        "outboundTag": "proxy"
      }
    ]
  }
}
`

func TestSynthesizeGolden(t *testing.T) {
	opts := document.DefaultOptions()
	opts.DirectDomains = []string{" Example.com", "10.0.0.0/8", "example.com", ""}

	b, err := document.Marshal(document.Synthesize(decode(t, realityLink), opts))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != golden {
		t.Fatalf("document mismatch:\n%s", b)
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	opts := document.DefaultOptions()
	opts.DirectDomains = []string{"b.example", "a.example", "192.168.1.1"}
	for _, raw := range wellFormed {
		s := decode(t, raw)
		first, err := document.Marshal(document.Synthesize(s, opts))
		if err != nil {
			t.Fatal(err)
		}
		second, err := document.Marshal(document.Synthesize(s.Clone(), opts))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, second) {
			t.Fatalf("non deterministic output for %s", raw)
		}
	}
}

func TestRoundTripValidates(t *testing.T) {
	for _, disable := range []bool{false, true} {
		for _, raw := range wellFormed {
			doc := document.Synthesize(policy.Resolve(decode(t, raw), disable), document.DefaultOptions())
			if err := document.Validate(doc); err != nil {
				t.Fatalf("%s (disable=%v): %v", raw, disable, err)
			}
		}
	}
}

func TestCatchAllAlwaysLast(t *testing.T) {
	s := decode(t, realityLink)
	optionSets := []document.Options{document.DefaultOptions(), {}}
	withDomains := document.DefaultOptions()
	withDomains.DirectDomains = []string{"x.example", "y.example", "10.1.0.0/16"}
	optionSets = append(optionSets, withDomains)

	for _, opts := range optionSets {
		rules := document.Synthesize(s, opts).Routing.Rules
		last := rules[len(rules)-1]
		if !last.IsCatchAll() || last.Network != "tcp,udp" || last.OutboundTag != "proxy" {
			t.Fatalf("last rule = %+v", last)
		}
		for _, r := range rules[:len(rules)-1] {
			if r.IsCatchAll() {
				t.Fatalf("catch-all is not unique: %+v", rules)
			}
		}
	}
}

func TestRuleOrder(t *testing.T) {
	opts := document.DefaultOptions()
	opts.DirectDomains = []string{"z.example", "a.example"}
	rules := document.Synthesize(decode(t, realityLink), opts).Routing.Rules

	if len(rules) != 5 {
		t.Fatalf("rules = %+v", rules)
	}
	if rules[0].Domain[0] != "a.example" || rules[1].Domain[0] != "z.example" {
		t.Fatalf("direct domains not first/sorted: %+v", rules[:2])
	}
	if rules[2].IP[0] != "geoip:private" || rules[2].OutboundTag != document.TagDirect {
		t.Fatalf("private rule = %+v", rules[2])
	}
	if rules[3].OutboundTag != document.TagBlock {
		t.Fatalf("block rule = %+v", rules[3])
	}
}

func TestGeoIPDirectEntriesAreIPRules(t *testing.T) {
	opts := document.DefaultOptions()
	opts.DirectDomains = []string{"GeoIP:CN", "geosite:cn"}
	rules := document.Synthesize(decode(t, realityLink), opts).Routing.Rules

	if len(rules[0].IP) != 1 || rules[0].IP[0] != "geoip:cn" || len(rules[0].Domain) != 0 {
		t.Fatalf("geoip entry = %+v", rules[0])
	}
	if len(rules[1].Domain) != 1 || rules[1].Domain[0] != "geosite:cn" || len(rules[1].IP) != 0 {
		t.Fatalf("geosite entry = %+v", rules[1])
	}
	if err := document.Validate(document.Synthesize(decode(t, realityLink), opts)); err != nil {
		t.Fatal(err)
	}
}

func TestSecurityBlocks(t *testing.T) {
	tlsSpec := decode(t, wellFormed[1])

	tlsDoc := document.Synthesize(tlsSpec, document.DefaultOptions())
	sc := tlsDoc.Proxy().StreamSettings
	if sc.Security != "tls" || sc.TLSSettings == nil || sc.RealitySettings != nil {
		t.Fatalf("tls stream = %+v", sc)
	}
	if sc.TLSSettings.ServerName != "s.example" || len(sc.TLSSettings.ALPN) != 2 {
		t.Fatalf("tls settings = %+v", sc.TLSSettings)
	}

	plain := document.Synthesize(policy.Resolve(tlsSpec, true), document.DefaultOptions())
	b, err := json.Marshal(plain.Proxy().StreamSettings)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"network":"ws","wsSettings":{"path":"/ws","headers":{"Host":"cdn.example"}}}`
	if string(b) != want {
		t.Fatalf("downgraded stream = %s, want %s", b, want)
	}
}

func TestTransportBlocks(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{wellFormed[2], `{"network":"grpc","security":"tls","tlsSettings":{"serverName":"h.example","allowInsecure":false},"grpcSettings":{"serviceName":"svc","multiMode":true}}`},
		{wellFormed[3], `{"network":"tcp","tcpSettings":{"header":{"type":"http","request":{"path":["/p"],"headers":{"Host":["a.example","b.example"]}}}}}`},
		{wellFormed[4], `{"network":"xhttp","xhttpSettings":{"path":"/h2","host":"a.example","mode":"stream-one"}}`},
		{wellFormed[5], `{"network":"quic"}`},
		{wellFormed[6], `{"network":"tcp"}`},
	}
	for _, tc := range cases {
		doc := document.Synthesize(decode(t, tc.raw), document.DefaultOptions())
		sc := doc.Proxy().StreamSettings
		b, err := json.Marshal(sc)
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != tc.want {
			t.Errorf("%s:\n got %s\nwant %s", tc.raw, b, tc.want)
		}
	}
}

func TestVMessUser(t *testing.T) {
	s := decode(t, "vless://"+uid+"@h:1")
	s.Protocol = link.VMess
	s.Encryption = ""
	s.Cipher = "auto"

	doc := document.Synthesize(s, document.DefaultOptions())
	out := doc.Proxy()
	b, err := json.Marshal(out.Settings)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"vnext":[{"address":"h","port":1,"users":[{"id":"` + uid + `","alterId":0,"security":"auto"}]}]}`
	if string(b) != want {
		t.Fatalf("settings = %s", b)
	}
}

func validDoc(t *testing.T) document.Document {
	return document.Synthesize(decode(t, realityLink), document.DefaultOptions())
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(d *document.Document)
		kind   error
	}{
		{"port conflict", func(d *document.Document) { d.Inbounds[1].Port = d.Inbounds[0].Port }, document.ErrPortConflict},
		{"port range", func(d *document.Document) { d.Inbounds[0].Port = 70000 }, document.ErrInvalidPort},
		{"zero port", func(d *document.Document) { d.Inbounds[1].Port = 0 }, document.ErrInvalidPort},
		{"duplicate tag", func(d *document.Document) { d.Inbounds[1].Tag = d.Inbounds[0].Tag }, document.ErrDuplicateInboundTag},
		{"no inbounds", func(d *document.Document) { d.Inbounds = nil }, document.ErrNoInbounds},
		{"no outbounds", func(d *document.Document) { d.Outbounds = nil }, document.ErrMissingOutboundField},
		{"proxy not first", func(d *document.Document) {
			d.Outbounds[0], d.Outbounds[1] = d.Outbounds[1], d.Outbounds[0]
		}, document.ErrMissingOutboundField},
		{"empty address", func(d *document.Document) { d.Outbounds[0].Settings.VNext[0].Address = "" }, document.ErrMissingOutboundField},
		{"bad server port", func(d *document.Document) { d.Outbounds[0].Settings.VNext[0].Port = 0 }, document.ErrMissingOutboundField},
		{"empty id", func(d *document.Document) { d.Outbounds[0].Settings.VNext[0].Users[0].ID = "" }, document.ErrMissingOutboundField},
		{"bad id", func(d *document.Document) { d.Outbounds[0].Settings.VNext[0].Users[0].ID = "nope" }, document.ErrMissingOutboundField},
		{"no rules", func(d *document.Document) { d.Routing.Rules = nil }, document.ErrMissingCatchAllRule},
		{"catch-all dropped", func(d *document.Document) {
			d.Routing.Rules = d.Routing.Rules[:len(d.Routing.Rules)-1]
		}, document.ErrMissingCatchAllRule},
		{"catch-all to direct", func(d *document.Document) {
			d.Routing.Rules[len(d.Routing.Rules)-1].OutboundTag = document.TagDirect
		}, document.ErrMissingCatchAllRule},
		{"unknown outbound tag", func(d *document.Document) { d.Routing.Rules[0].OutboundTag = "nowhere" }, document.ErrMissingOutboundField},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDoc(t)
			tc.mutate(&d)
			err := document.Validate(d)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, tc.kind) {
				t.Fatalf("error %v is not %v", err, tc.kind)
			}
			var ve *document.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error %T carries no *ValidationError", err)
			}
		})
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	d := validDoc(t)
	d.Inbounds[1].Port = d.Inbounds[0].Port
	d.Routing.Rules = d.Routing.Rules[:1]

	err := document.Validate(d)
	if !errors.Is(err, document.ErrPortConflict) || !errors.Is(err, document.ErrMissingCatchAllRule) {
		t.Fatalf("expected both violations, got %v", err)
	}
}
