// Package ratelimit throttles outbound requests shared by the detail and
// download worker pools. Wait is context-aware so an interrupt releases
// blocked workers immediately.
package ratelimit
