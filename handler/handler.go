// Copyright (C) 2023 CasperLabs. All Rights Reserved.

// Package handler provides adapters to the signer.Handler type for
// functions with typed parameters and results.
//
// Parameters are decoded positionally from the request's JSON argument
// list, and the adapted function's result is returned to the endpoint for
// encoding. A request carrying the wrong number of arguments, or arguments
// that do not decode into the function's parameter types, fails without
// invoking the function.
package handler

import (
	"context"
	"fmt"

	"github.com/CasperLabs/signer"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request passed to the handler, or nil
// if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *signer.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*signer.Request)
	}
	return nil
}

// Error adapts a function that accepts no parameters and returns an error.
func Error(f func(context.Context) error) signer.Handler {
	return func(ctx context.Context, req *signer.Request) (any, error) {
		if err := arity(req, 0); err != nil {
			return nil, err
		}
		return nil, f(withRequest(ctx, req))
	}
}

// ResultError adapts a function that accepts no parameters and returns a
// result of type R and an error.
func ResultError[R any](f func(context.Context) (R, error)) signer.Handler {
	return func(ctx context.Context, req *signer.Request) (any, error) {
		if err := arity(req, 0); err != nil {
			return nil, err
		}
		return f(withRequest(ctx, req))
	}
}

// ParamError adapts a function that accepts one parameter of type P and
// returns an error with no result.
func ParamError[P any](f func(context.Context, P) error) signer.Handler {
	return func(ctx context.Context, req *signer.Request) (any, error) {
		if err := arity(req, 1); err != nil {
			return nil, err
		}
		p, err := param[P](req, 0)
		if err != nil {
			return nil, err
		}
		return nil, f(withRequest(ctx, req), p)
	}
}

// ParamResultError adapts a function that accepts one parameter of type P
// and returns a result of type R and an error.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) signer.Handler {
	return func(ctx context.Context, req *signer.Request) (any, error) {
		if err := arity(req, 1); err != nil {
			return nil, err
		}
		p, err := param[P](req, 0)
		if err != nil {
			return nil, err
		}
		return f(withRequest(ctx, req), p)
	}
}

// Param2Error adapts a function that accepts two parameters and returns an
// error with no result.
func Param2Error[P1, P2 any](f func(context.Context, P1, P2) error) signer.Handler {
	return func(ctx context.Context, req *signer.Request) (any, error) {
		if err := arity(req, 2); err != nil {
			return nil, err
		}
		p1, err := param[P1](req, 0)
		if err != nil {
			return nil, err
		}
		p2, err := param[P2](req, 1)
		if err != nil {
			return nil, err
		}
		return nil, f(withRequest(ctx, req), p1, p2)
	}
}

// Param2ResultError adapts a function that accepts two parameters and
// returns a result of type R and an error.
func Param2ResultError[P1, P2, R any](f func(context.Context, P1, P2) (R, error)) signer.Handler {
	return func(ctx context.Context, req *signer.Request) (any, error) {
		if err := arity(req, 2); err != nil {
			return nil, err
		}
		p1, err := param[P1](req, 0)
		if err != nil {
			return nil, err
		}
		p2, err := param[P2](req, 1)
		if err != nil {
			return nil, err
		}
		return f(withRequest(ctx, req), p1, p2)
	}
}

// Param3Error adapts a function that accepts three parameters and returns
// an error with no result.
func Param3Error[P1, P2, P3 any](f func(context.Context, P1, P2, P3) error) signer.Handler {
	return func(ctx context.Context, req *signer.Request) (any, error) {
		if err := arity(req, 3); err != nil {
			return nil, err
		}
		p1, err := param[P1](req, 0)
		if err != nil {
			return nil, err
		}
		p2, err := param[P2](req, 1)
		if err != nil {
			return nil, err
		}
		p3, err := param[P3](req, 2)
		if err != nil {
			return nil, err
		}
		return nil, f(withRequest(ctx, req), p1, p2, p3)
	}
}

func withRequest(ctx context.Context, req *signer.Request) context.Context {
	return context.WithValue(ctx, reqContextKey{}, req)
}

func arity(req *signer.Request, n int) error {
	if len(req.Args) != n {
		return fmt.Errorf("%s: got %d arguments, want %d", req.Method, len(req.Args), n)
	}
	return nil
}

func param[P any](req *signer.Request, i int) (P, error) {
	var p P
	err := req.Arg(i, &p)
	return p, err
}
