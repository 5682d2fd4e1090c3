package mqttmux

import (
	"context"
	"fmt"
)

// Scope is a lightweight, immutable value wrapping a multiplexer handle
// plus an accumulated topic-path prefix. Scoped(segment) always appends;
// it never replaces. Empty segments are rejected.
type Scope struct {
	prefix string
	mux    *Multiplexer
}

// Scoped returns a new Scope whose prefix is self.prefix + "/" + segment.
func (s Scope) Scoped(segment string) (Scope, error) {
	if segment == "" {
		return Scope{}, fmt.Errorf("mqttmux: scope segment must not be empty")
	}
	return Scope{prefix: s.prefix + "/" + segment, mux: s.mux}, nil
}

// MustScoped panics if segment is empty; for call sites that already know
// the segment is a non-empty compile-time literal.
func (s Scope) MustScoped(segment string) Scope {
	scoped, err := s.Scoped(segment)
	if err != nil {
		panic(err)
	}
	return scoped
}

// Prefix returns the scope's current topic prefix.
func (s Scope) Prefix() string { return s.prefix }

// Publish publishes payload at the scope's current prefix.
func (s Scope) Publish(ctx context.Context, payload []byte) error {
	return s.mux.Publish(ctx, s.prefix, payload)
}

// PublishSub publishes payload to a sub-topic under the scope's prefix,
// equivalent to s.Scoped(subtopic).Publish(ctx, payload) but without
// allocating an intermediate Scope.
func (s Scope) PublishSub(ctx context.Context, subtopic string, payload []byte) error {
	if subtopic == "" {
		return fmt.Errorf("mqttmux: subtopic must not be empty")
	}
	return s.mux.Publish(ctx, s.prefix+"/"+subtopic, payload)
}

// PublishSubNoWait enqueues a publish to a sub-topic without waiting for
// the broker acknowledgement.
func (s Scope) PublishSubNoWait(subtopic string, payload []byte) {
	if subtopic == "" {
		return
	}
	s.mux.PublishNoWait(s.prefix+"/"+subtopic, payload)
}

// Subscribe subscribes to the scope's current prefix as a topic filter.
func (s Scope) Subscribe(ctx context.Context) (*Subscription, error) {
	return s.mux.Subscribe(ctx, s.prefix)
}

// SubscribeSub subscribes to a sub-topic filter under the scope's prefix.
func (s Scope) SubscribeSub(ctx context.Context, subfilter string) (*Subscription, error) {
	if subfilter == "" {
		return nil, fmt.Errorf("mqttmux: subfilter must not be empty")
	}
	return s.mux.Subscribe(ctx, s.prefix+"/"+subfilter)
}
