// Package handshake performs the RTMP c0/c1/c2 <-> s0/s1/s2 handshake.
//
// Per spec.md §4.2, no cryptographic "complex" handshake variant is
// required, so unlike the teacher's handshake.go (which detects and
// replies to the Adobe HMAC-SHA256 digest scheme) this is the plain
// echo-based handshake: s1 is fresh random bytes, s2 echoes c1 verbatim,
// and c2 (echoing s1) is read and discarded.
package handshake

import (
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
)

const (
	Version      = 3
	SigSize      = 1536
)

var ErrBadVersion = errors.New("handshake: unsupported RTMP version")

// Server performs the server side of the handshake against rw, blocking
// until it completes or an error/timeout (via the reader/writer deadlines
// the caller set) occurs.
func Server(rw io.ReadWriter) error {
	c0 := make([]byte, 1)
	if _, err := io.ReadFull(rw, c0); err != nil {
		return errors.Wrap(err, "read c0")
	}
	if c0[0] != Version {
		return ErrBadVersion
	}

	c1 := make([]byte, SigSize)
	if _, err := io.ReadFull(rw, c1); err != nil {
		return errors.Wrap(err, "read c1")
	}

	s1 := make([]byte, SigSize)
	if _, err := rand.Read(s1[8:]); err != nil {
		return errors.Wrap(err, "generate s1 random")
	}
	// First 8 bytes: time (left zero, we don't track an epoch) + version marker.
	s1[4], s1[5], s1[6], s1[7] = 0, 0, 0, 1

	s0s1s2 := make([]byte, 0, 1+SigSize+SigSize)
	s0s1s2 = append(s0s1s2, Version)
	s0s1s2 = append(s0s1s2, s1...)
	s0s1s2 = append(s0s1s2, c1...) // s2 echoes c1 verbatim

	if _, err := rw.Write(s0s1s2); err != nil {
		return errors.Wrap(err, "write s0s1s2")
	}

	c2 := make([]byte, SigSize)
	if _, err := io.ReadFull(rw, c2); err != nil {
		return errors.Wrap(err, "read c2")
	}
	// c2 is expected to echo s1; the value is not checked — a client that
	// fails to echo it correctly will simply fail to play back, which is
	// out of scope (this core never serves playback).

	return nil
}
