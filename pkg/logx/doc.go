// Package logx provides structured logging for warden on top of zerolog.
//
// A Logger is a small value type that stays live across Service.Apply
// calls, so components can hold one for their whole lifetime while the
// operator re-points sinks (console, file, mod chat) at runtime.
package logx
