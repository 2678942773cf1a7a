package document

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Validation failure kinds. Match with errors.Is.
var (
	ErrNoInbounds           = errors.New("no inbounds")
	ErrInvalidPort          = errors.New("invalid port")
	ErrPortConflict         = errors.New("port conflict")
	ErrDuplicateInboundTag  = errors.New("duplicate inbound tag")
	ErrMissingOutboundField = errors.New("missing outbound field")
	ErrMissingCatchAllRule  = errors.New("missing catch-all rule")
)

// ValidationError describes one violated invariant.
type ValidationError struct {
	Kind   error
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s at %s", e.Kind, e.Field)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ValidationError) Is(target error) bool {
	return target == e.Kind
}

// Validate checks the structural invariants the engine relies on. It never
// repairs the document; every violation is reported, joined into one error.
func Validate(doc Document) error {
	var errs []error
	fail := func(kind error, field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Kind: kind, Field: field, Detail: fmt.Sprintf(format, args...)})
	}

	// 1. Inbounds
	if len(doc.Inbounds) == 0 {
		fail(ErrNoInbounds, "inbounds", "at least one listener is required")
	}
	ports := make(map[int]string)
	tags := make(map[string]bool)
	for i, in := range doc.Inbounds {
		field := fmt.Sprintf("inbounds[%d]", i)
		if in.Port < 1 || in.Port > 65535 {
			fail(ErrInvalidPort, field+".port", "%d is outside 1-65535", in.Port)
		} else if other, ok := ports[in.Port]; ok {
			fail(ErrPortConflict, field+".port", "%d already used by %q", in.Port, other)
		} else {
			ports[in.Port] = in.Tag
		}
		if tags[in.Tag] {
			fail(ErrDuplicateInboundTag, field+".tag", "%q", in.Tag)
		}
		tags[in.Tag] = true
	}

	// 2. Outbounds
	outboundTags := make(map[string]bool)
	for _, out := range doc.Outbounds {
		outboundTags[out.Tag] = true
	}
	if len(doc.Outbounds) == 0 {
		fail(ErrMissingOutboundField, "outbounds", "no outbounds")
	} else {
		validateProxy(doc.Outbounds[0], fail)
	}

	// 3. Routing
	rules := doc.Routing.Rules
	if len(rules) == 0 {
		fail(ErrMissingCatchAllRule, "routing.rules", "no rules")
	} else if !rules[len(rules)-1].IsCatchAll() {
		fail(ErrMissingCatchAllRule, fmt.Sprintf("routing.rules[%d]", len(rules)-1),
			"last rule must match network %q into %q", CatchAllNetwork, TagProxy)
	}
	for i, r := range rules {
		if !outboundTags[r.OutboundTag] {
			fail(ErrMissingOutboundField, fmt.Sprintf("routing.rules[%d].outboundTag", i), "unknown outbound %q", r.OutboundTag)
		}
	}

	return errors.Join(errs...)
}

func validateProxy(out Outbound, fail func(kind error, field, format string, args ...interface{})) {
	if out.Tag != TagProxy {
		fail(ErrMissingOutboundField, "outbounds[0].tag", "first outbound must be %q, got %q", TagProxy, out.Tag)
		return
	}
	if len(out.Settings.VNext) == 0 {
		fail(ErrMissingOutboundField, "outbounds[0].settings.vnext", "no server")
		return
	}

	srv := out.Settings.VNext[0]
	if srv.Address == "" {
		fail(ErrMissingOutboundField, "outbounds[0].settings.vnext[0].address", "empty")
	}
	if srv.Port < 1 || srv.Port > 65535 {
		fail(ErrMissingOutboundField, "outbounds[0].settings.vnext[0].port", "%d is outside 1-65535", srv.Port)
	}
	if len(srv.Users) == 0 || srv.Users[0].ID == "" {
		fail(ErrMissingOutboundField, "outbounds[0].settings.vnext[0].users[0].id", "empty")
	} else if _, err := uuid.Parse(srv.Users[0].ID); err != nil {
		fail(ErrMissingOutboundField, "outbounds[0].settings.vnext[0].users[0].id", "not a uuid: %v", err)
	}
}
