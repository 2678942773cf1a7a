// Package policy decides which stream security layer a connection keeps.
package policy

import "rayconf/internal/xray/link"

// Resolve returns spec unchanged unless disableSecurity is set, in which case
// it returns a copy reduced to security none. TLS and Reality parameters are
// dropped together with the XTLS flow, which cannot run without them.
// Transport fields (network, path, host, header, mode) are never touched.
func Resolve(spec link.ConnectionSpec, disableSecurity bool) link.ConnectionSpec {
	if !disableSecurity {
		return spec
	}

	out := spec.Clone()
	out.Security = link.SecurityNone
	out.TLS = nil
	out.Reality = nil
	out.Flow = ""
	return out
}
