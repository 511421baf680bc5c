// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the tether.Handler type for functions
// with other signatures.
//
// Parameters are decoded from the JSON params of the request into a value of
// type P. If the request has no params, the handler receives the zero value
// of P. A request whose params do not decode into P is rejected with
// tether.CodeInvalidParams. Results are encoded as JSON.
package handler

import (
	"context"

	"github.com/creachadair/tether"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *tether.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*tether.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a tether.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) tether.Handler {
	return tether.HandlerFunc(func(ctx context.Context, req *tether.Request) (any, error) {
		var p P
		if err := req.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		r, err := f(context.WithValue(ctx, reqContextKey{}, req), p)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a tether.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) tether.Handler {
	return tether.HandlerFunc(func(ctx context.Context, req *tether.Request) (any, error) {
		var p P
		if err := req.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		return f(context.WithValue(ctx, reqContextKey{}, req), p), nil
	})
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a tether.Handler. A successful call reports a
// null result.
func ParamError[P any](f func(context.Context, P) error) tether.Handler {
	return tether.HandlerFunc(func(ctx context.Context, req *tether.Request) (any, error) {
		var p P
		if err := req.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		return nil, f(context.WithValue(ctx, reqContextKey{}, req), p)
	})
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a tether.Handler. Any params in the
// request are ignored.
func ResultError[R any](f func(context.Context) (R, error)) tether.Handler {
	return tether.HandlerFunc(func(ctx context.Context, req *tether.Request) (any, error) {
		r, err := f(context.WithValue(ctx, reqContextKey{}, req))
		if err != nil {
			return nil, err
		}
		return r, nil
	})
}

// Notification adapts a function f that accepts parameters of type P and has
// no result, to a tether.Handler intended for notifications.
func Notification[P any](f func(context.Context, P)) tether.Handler {
	return tether.HandlerFunc(func(ctx context.Context, req *tether.Request) (any, error) {
		var p P
		if err := req.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		f(context.WithValue(ctx, reqContextKey{}, req), p)
		return nil, nil
	})
}
