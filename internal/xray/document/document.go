// Package document models the engine configuration file and builds it from a
// decoded connection.
//
// Struct field order fixes the JSON key order, so marshalling the same value
// always yields the same bytes.
package document

import (
	"bytes"
	"encoding/json"
)

// Fixed tags
const (
	TagProxy   = "proxy"
	TagDirect  = "direct"
	TagBlock   = "block"
	TagSocksIn = "socks-in"
	TagHTTPIn  = "http-in"

	// CatchAllNetwork is the match of the last routing rule.
	CatchAllNetwork = "tcp,udp"
)

type Document struct {
	Log       *Log       `json:"log,omitempty"`
	Inbounds  []Inbound  `json:"inbounds"`
	Outbounds []Outbound `json:"outbounds"`
	Routing   Routing    `json:"routing"`
}

type Log struct {
	LogLevel string `json:"loglevel"`
	Access   string `json:"access,omitempty"`
	Error    string `json:"error,omitempty"`
}

// --- Inbounds ---

type Inbound struct {
	Tag      string          `json:"tag"`
	Port     int             `json:"port"`
	Listen   string          `json:"listen"`
	Protocol string          `json:"protocol"`
	Settings InboundSettings `json:"settings"`
	Sniffing *Sniffing       `json:"sniffing,omitempty"`
}

type InboundSettings struct {
	Auth    string `json:"auth,omitempty"`
	UDP     bool   `json:"udp,omitempty"`
	IP      string `json:"ip,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

type Sniffing struct {
	Enabled      bool     `json:"enabled"`
	DestOverride []string `json:"destOverride"`
}

// --- Outbounds ---

type Outbound struct {
	Tag            string           `json:"tag"`
	Protocol       string           `json:"protocol"`
	Settings       OutboundSettings `json:"settings"`
	StreamSettings *StreamSettings  `json:"streamSettings,omitempty"`
}

// OutboundSettings is empty ({}) for freedom and blackhole.
type OutboundSettings struct {
	VNext []Server `json:"vnext,omitempty"`
}

type Server struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Users   []User `json:"users"`
}

// User covers both VMess (alterId, security) and VLESS (encryption, flow).
type User struct {
	ID         string `json:"id"`
	AlterID    *int   `json:"alterId,omitempty"`
	Security   string `json:"security,omitempty"`
	Encryption string `json:"encryption,omitempty"`
	Flow       string `json:"flow,omitempty"`
}

type StreamSettings struct {
	Network  string `json:"network"`
	Security string `json:"security,omitempty"`

	TLSSettings     *TLSSettings     `json:"tlsSettings,omitempty"`
	RealitySettings *RealitySettings `json:"realitySettings,omitempty"`

	TCPSettings   *TCPSettings   `json:"tcpSettings,omitempty"`
	WSSettings    *WSSettings    `json:"wsSettings,omitempty"`
	XHTTPSettings *XHTTPSettings `json:"xhttpSettings,omitempty"`
	GRPCSettings  *GRPCSettings  `json:"grpcSettings,omitempty"`
}

type TLSSettings struct {
	ServerName    string   `json:"serverName,omitempty"`
	AllowInsecure bool     `json:"allowInsecure"`
	Fingerprint   string   `json:"fingerprint,omitempty"`
	ALPN          []string `json:"alpn,omitempty"`
}

type RealitySettings struct {
	ServerName  string `json:"serverName,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `json:"publicKey"`
	ShortID     string `json:"shortId"`
	SpiderX     string `json:"spiderX,omitempty"`
}

type TCPSettings struct {
	Header TCPHeader `json:"header"`
}

type TCPHeader struct {
	Type    string       `json:"type"`
	Request *HTTPRequest `json:"request,omitempty"`
}

type HTTPRequest struct {
	Path    []string            `json:"path,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
}

type WSSettings struct {
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type XHTTPSettings struct {
	Path string `json:"path,omitempty"`
	Host string `json:"host,omitempty"`
	Mode string `json:"mode,omitempty"`
}

type GRPCSettings struct {
	ServiceName string `json:"serviceName"`
	MultiMode   bool   `json:"multiMode,omitempty"`
}

// --- Routing ---

type Routing struct {
	DomainStrategy string `json:"domainStrategy,omitempty"`
	Rules          []Rule `json:"rules"`
}

type Rule struct {
	Type        string   `json:"type"`
	Domain      []string `json:"domain,omitempty"`
	IP          []string `json:"ip,omitempty"`
	Network     string   `json:"network,omitempty"`
	OutboundTag string   `json:"outboundTag"`
}

// IsCatchAll reports whether r matches all tcp/udp traffic into the proxy.
func (r Rule) IsCatchAll() bool {
	return r.Network == CatchAllNetwork && r.OutboundTag == TagProxy &&
		len(r.Domain) == 0 && len(r.IP) == 0
}

// Proxy returns the proxy outbound, or nil.
func (d *Document) Proxy() *Outbound {
	for i := range d.Outbounds {
		if d.Outbounds[i].Tag == TagProxy {
			return &d.Outbounds[i]
		}
	}
	return nil
}

// Marshal serializes d as indented JSON with a trailing newline.
func Marshal(d Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
