// Package errs re-exports github.com/cockroachdb/errors for internal Go
// error handling: stack traces, wrapping, and structured detail. It is
// deliberately separate from dispatch.CommandError, which carries the
// wire-level error kind (spec §7) returned to the server — internal errors
// wrapped here may carry stack traces and must never be serialized verbatim
// onto the wire.
//
// Pattern grounded on the teacher's counterpart server's sibling project
// convention (_examples/teranos-QNTX/errors/errors.go): a thin var-alias
// package over the library rather than a custom error type hierarchy.
package errs

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New         = crdb.New
	Newf        = crdb.Newf
	Wrap        = crdb.Wrap
	Wrapf       = crdb.Wrapf
	WithMessage = crdb.WithMessage
	WithDetail  = crdb.WithDetail
	WithHint    = crdb.WithHint
)

var (
	Is     = crdb.Is
	As     = crdb.As
	Unwrap = crdb.Unwrap
)
