// Package logx is a small structured-logging facade over zerolog.
//
// Components take a logx.Logger by value; the zero value is a safe no-op.
// Field helpers (String, Int, Duration, ...) keep call sites terse without
// leaking zerolog into the rest of the codebase.
package logx
