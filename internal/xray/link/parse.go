package link

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// rawLink holds link fields as found in the payload, before normalization.
type rawLink struct {
	protocol Protocol
	remark   string

	address string
	port    int
	id      string
	aid     int

	cipher     string
	encryption string
	flow       string

	network     string
	headerType  string
	host        string
	path        string
	mode        string
	serviceName string

	security string
	sni      string
	fp       string
	alpn     string
	insecure bool
	pbk      string
	sid      string
	spx      string
}

// Decode parses a vmess:// or vless:// link into a normalized ConnectionSpec.
// Failures are *DecodeError values.
func Decode(raw string) (ConnectionSpec, error) {
	raw = FixIllegalUrl(raw)
	scheme, body, ok := strings.Cut(raw, "://")
	if !ok {
		return ConnectionSpec{}, decodeErr(ErrMalformedPayload, "scheme", errors.New("invalid uri format"))
	}

	var (
		r   *rawLink
		err error
	)
	switch strings.ToLower(scheme) {
	case "vmess":
		r, err = parseVMess(body)
	case "vless":
		r, err = parseVLESS("vless://" + body)
	default:
		return ConnectionSpec{}, decodeErr(ErrUnsupportedScheme, scheme, nil)
	}
	if err != nil {
		return ConnectionSpec{}, err
	}
	return r.normalize()
}

// --- VMess ---
type vmessJSON struct {
	V    interface{} `json:"v"`
	Ps   string      `json:"ps"`
	Add  string      `json:"add"`
	Port interface{} `json:"port"`
	Id   string      `json:"id"`
	Aid  interface{} `json:"aid"`
	Scy  string      `json:"scy"`
	Net  string      `json:"net"`
	Type string      `json:"type"`
	Host string      `json:"host"`
	Path string      `json:"path"`
	Tls  interface{} `json:"tls"`
	Sni  string      `json:"sni"`
	Alpn string      `json:"alpn"`
	Fp   string      `json:"fp"`
	Pbk  string      `json:"pbk,omitempty"`
	Sid  string      `json:"sid,omitempty"`
	Spx  string      `json:"spx,omitempty"`
}

func parseVMess(body string) (*rawLink, error) {
	body, remark, _ := strings.Cut(body, "#")
	b64, query, _ := strings.Cut(body, "?")

	if strings.Contains(b64, "%") {
		unescaped, err := url.PathUnescape(b64)
		if err != nil {
			return nil, decodeErr(ErrMalformedPayload, "payload", err)
		}
		b64 = unescaped
	}

	jsonStr, err := DecodeBase64(b64)
	if err != nil {
		return nil, decodeErr(ErrMalformedPayload, "payload", err)
	}

	var v vmessJSON
	if err := json.Unmarshal([]byte(jsonStr), &v); err != nil {
		return nil, decodeErr(ErrMalformedPayload, "payload", err)
	}

	if strings.TrimSpace(v.Add) == "" {
		return nil, decodeErr(ErrMissingField, "add", nil)
	}
	portStr := scalar(v.Port)
	if portStr == "" {
		return nil, decodeErr(ErrMissingField, "port", nil)
	}
	if strings.TrimSpace(v.Id) == "" {
		return nil, decodeErr(ErrMissingField, "id", nil)
	}

	r := &rawLink{
		protocol: VMess,
		remark:   v.Ps,
		address:  v.Add,
		id:       v.Id,
		cipher:   v.Scy,
		network:  v.Net,
		host:     v.Host,
		path:     v.Path,
		sni:      v.Sni,
		fp:       v.Fp,
		alpn:     v.Alpn,
		pbk:      v.Pbk,
		sid:      v.Sid,
		spx:      v.Spx,
	}
	if r.remark == "" && remark != "" {
		if unescaped, err := url.PathUnescape(remark); err == nil {
			r.remark = unescaped
		}
	}

	if r.port, err = strconv.Atoi(portStr); err != nil {
		return nil, decodeErr(ErrMalformedPayload, "port", err)
	}
	// Absent aid is an explicit zero
	if aid := scalar(v.Aid); aid != "" {
		if r.aid, err = strconv.Atoi(aid); err != nil {
			return nil, decodeErr(ErrMalformedPayload, "aid", err)
		}
	}

	switch lower(scalar(v.Tls)) {
	case "tls", "true", "1":
		r.security = string(SecurityTLS)
	case "reality":
		r.security = string(SecurityReality)
	}

	// Map generic "type" to specific fields
	switch lower(v.Net) {
	case "grpc":
		r.mode = v.Type // "gun" or "multi"
		r.serviceName = v.Path
	case "xhttp", "splithttp":
		r.mode = v.Type
	default:
		r.headerType = v.Type
	}

	// vmess://<base64>?security=..&sni=.. overrides
	if query != "" {
		q, err := url.ParseQuery(query)
		if err != nil {
			return nil, decodeErr(ErrMalformedPayload, "query", err)
		}
		if s := q.Get("security"); s != "" {
			r.security = s
		}
		if s := q.Get("sni"); s != "" {
			r.sni = s
		}
	}

	return r, nil
}

// --- VLESS ---
func parseVLESS(raw string) (*rawLink, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, decodeErr(ErrMalformedPayload, "uri", err)
	}
	// Strict parse: u.Query() silently drops bad escapes
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, decodeErr(ErrMalformedPayload, "query", err)
	}

	if u.User == nil || u.User.Username() == "" {
		return nil, decodeErr(ErrMissingField, "id", nil)
	}
	if u.Hostname() == "" {
		return nil, decodeErr(ErrMissingField, "address", nil)
	}

	r := &rawLink{
		protocol: VLESS,
		remark:   u.Fragment,
		address:  u.Hostname(),
		id:       u.User.Username(),
		port:     443,
	}
	if p := u.Port(); p != "" {
		if r.port, err = strconv.Atoi(p); err != nil {
			return nil, decodeErr(ErrInvalidField, "port", err)
		}
	}

	r.encryption = lower(q.Get("encryption"))
	if r.encryption == "" {
		r.encryption = "none"
	}
	if r.encryption != "none" {
		return nil, decodeErr(ErrUnsupportedEncryption, "encryption", errors.New(r.encryption))
	}

	applyQuery(r, q)
	return r, nil
}

// normalize validates r and produces the canonical spec.
func (r *rawLink) normalize() (ConnectionSpec, error) {
	s := ConnectionSpec{
		Protocol:    r.protocol,
		Remark:      strings.TrimSpace(r.remark),
		Address:     lower(r.address),
		Port:        r.port,
		Host:        strings.TrimSpace(r.host),
		Path:        strings.TrimSpace(r.path),
		Mode:        strings.TrimSpace(r.mode),
		ServiceName: strings.TrimSpace(r.serviceName),
	}

	if s.Address == "" {
		return ConnectionSpec{}, decodeErr(ErrMissingField, "address", nil)
	}
	if s.Port < 1 || s.Port > 65535 {
		return ConnectionSpec{}, decodeErr(ErrInvalidField, "port", errors.New(strconv.Itoa(s.Port)))
	}

	id, err := uuid.Parse(strings.TrimSpace(r.id))
	if err != nil {
		return ConnectionSpec{}, decodeErr(ErrInvalidField, "id", err)
	}
	s.UserID = id.String()

	switch r.protocol {
	case VMess:
		if r.aid < 0 {
			return ConnectionSpec{}, decodeErr(ErrInvalidField, "aid", errors.New(strconv.Itoa(r.aid)))
		}
		s.AlterID = r.aid
		s.Cipher = lower(r.cipher)
		if s.Cipher == "" {
			s.Cipher = "auto"
		}
	case VLESS:
		s.Encryption = r.encryption
		s.Flow = lower(r.flow)
	}

	// Network: empty implies tcp
	switch n := lower(r.network); n {
	case "":
		s.Network = NetworkTCP
	case "h2":
		s.Network = NetworkHTTP
	case "splithttp":
		s.Network = NetworkXHTTP
	default:
		s.Network = Network(n)
	}

	// HeaderType: "none" implies empty
	if h := lower(r.headerType); h != "none" {
		s.HeaderType = h
	}

	fp := lower(r.fp)
	switch lower(r.security) {
	case string(SecurityTLS):
		s.Security = SecurityTLS
		s.TLS = &TLSParams{
			ServerName:    firstNonEmpty(strings.TrimSpace(r.sni), s.Host, s.Address),
			Fingerprint:   fp,
			ALPN:          splitList(r.alpn),
			AllowInsecure: r.insecure,
		}
	case string(SecurityReality):
		pbk, sid := strings.TrimSpace(r.pbk), strings.TrimSpace(r.sid)
		if pbk == "" {
			return ConnectionSpec{}, decodeErr(ErrIncompleteRealityParams, "pbk", nil)
		}
		if sid == "" {
			return ConnectionSpec{}, decodeErr(ErrIncompleteRealityParams, "sid", nil)
		}
		s.Security = SecurityReality
		s.Reality = &RealityParams{
			PublicKey:   pbk,
			ShortID:     sid,
			SpiderX:     strings.TrimSpace(r.spx),
			Fingerprint: fp,
			ServerName:  strings.TrimSpace(r.sni),
		}
	default:
		s.Security = SecurityNone
	}

	return s, nil
}
