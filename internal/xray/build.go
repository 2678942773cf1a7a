package xray

import (
	"fmt"

	"rayconf/internal/logger"
	"rayconf/internal/xray/document"
	"rayconf/internal/xray/link"
	"rayconf/internal/xray/policy"
)

type BuildOptions struct {
	// DisableSecurity strips TLS/Reality from the decoded link.
	DisableSecurity bool
	Document        document.Options
}

// Build is the result of a successful pipeline run.
type Build struct {
	Spec     link.ConnectionSpec // as decoded
	Resolved link.ConnectionSpec // after the security policy
	Document document.Document
}

// BuildDocument runs decode, resolve, synthesize and validate on a single
// share link. Any failure aborts the pipeline and nothing is returned.
func BuildDocument(raw string, opts BuildOptions) (*Build, error) {
	spec, err := link.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode link: %w", err)
	}
	logger.Log.Debugf("Decoded %s", spec)

	resolved := policy.Resolve(spec, opts.DisableSecurity)
	if opts.DisableSecurity && spec.Security != link.SecurityNone {
		logger.Log.Debugf("Security %s disabled, transport %s kept", spec.Security, resolved.Network)
	}

	doc := document.Synthesize(resolved, opts.Document)
	logger.Log.Debugf("Synthesized %d inbounds, %d outbounds, %d rules",
		len(doc.Inbounds), len(doc.Outbounds), len(doc.Routing.Rules))

	if err := document.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &Build{Spec: spec, Resolved: resolved, Document: doc}, nil
}

// JSON returns the serialized document.
func (b *Build) JSON() ([]byte, error) {
	return document.Marshal(b.Document)
}
