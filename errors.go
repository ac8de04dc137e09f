// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

import "errors"

var (
	// packet and message validation
	errInvalidPacket     = errors.New("zrtp: invalid packet")
	errInvalidMessage    = errors.New("zrtp: malformed message")
	errOutOfOrder        = errors.New("zrtp: out of order packet")
	errUnknownMessage    = errors.New("zrtp: unknown message type")
	errFragment          = errors.New("zrtp: incomplete fragmented packet")
	errUnexpectedMessage = errors.New("zrtp: unexpected message for current state")

	// authentication failures
	errHashChainMismatch  = errors.New("zrtp: hash chain mismatch")
	errMACMismatch        = errors.New("zrtp: message MAC mismatch")
	errConfirmMACMismatch = errors.New("zrtp: confirm MAC mismatch")
	errHviMismatch        = errors.New("zrtp: hvi mismatch")
	errHelloHashMismatch  = errors.New("zrtp: hello hash does not match signaling")
	errRepetitionMismatch = errors.New("zrtp: repeated message differs from stored one")

	// context and negotiation
	errUnsupportedVersion = errors.New("zrtp: unsupported protocol version")
	errNoCommonAlgorithm  = errors.New("zrtp: no common algorithm")
	errInvalidContext     = errors.New("zrtp: required keys or packets missing")
	errCryptoFailure      = errors.New("zrtp: cryptographic primitive failure")
	errBuilderFailure     = errors.New("zrtp: unable to build packet")

	// session management
	errSessionClosed    = errors.New("zrtp: session closed")
	errChannelNotFound  = errors.New("zrtp: no channel for SSRC")
	errChannelExists    = errors.New("zrtp: channel already registered for SSRC")
	errTooManyChannels  = errors.New("zrtp: channel limit reached")
	errMainChannelFirst = errors.New("zrtp: main channel must complete before additional channels")
	errGoClearDisabled  = errors.New("zrtp: GoClear not enabled on this session")
)

// IsFragment reports whether err only signals that more fragments are needed
// to complete a message. It is informational, not a failure.
func IsFragment(err error) bool {
	return err == errFragment
}
