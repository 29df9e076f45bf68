// Package transfer negotiates, sends, reassembles and verifies chunked files
// exchanged through a relay.
package transfer

import (
	"errors"
	"fmt"

	"wsdrop/checksum"
	"wsdrop/protocol"
)

var (
	// ErrOfferRejected indicates the addressee declined an offer.
	ErrOfferRejected = errors.New("transfer: offer rejected")
	// ErrChecksumMismatch indicates reassembled bytes did not match the offered digest.
	ErrChecksumMismatch = fmt.Errorf("transfer: %w", checksum.ErrMismatch)
	// ErrMalformedFrame indicates a binary frame that could not be decoded.
	ErrMalformedFrame = fmt.Errorf("transfer: malformed frame: %w", protocol.ErrFrameTooShort)
	// ErrChunkOutOfRange indicates a chunk index at or past the expected chunk count.
	ErrChunkOutOfRange = errors.New("transfer: chunk index out of range")
	// ErrUnknownTransfer indicates a file_id with no active state.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
	// ErrPeerError indicates the relay reported a failure for a transfer.
	ErrPeerError = errors.New("transfer: peer error")
	// ErrProtocolParse indicates an undecodable control message.
	ErrProtocolParse = errors.New("transfer: protocol parse error")
	// ErrUnknownOffer indicates Accept or Reject for an offer that is not pending.
	ErrUnknownOffer = errors.New("transfer: unknown offer")
	// ErrFileTooLarge indicates a file above the relay's max_file_size.
	ErrFileTooLarge = errors.New("transfer: file too large")
	// ErrDuplicateTransfer indicates a second record for the same file_id.
	ErrDuplicateTransfer = errors.New("transfer: duplicate transfer")
	// ErrTransferActive indicates the transfer has not reached a terminal state.
	ErrTransferActive = errors.New("transfer: transfer still active")
	// ErrClosed indicates the engine has been shut down.
	ErrClosed = errors.New("transfer: engine closed")
)

// rejectedReason is the record error shown for declined offers.
const rejectedReason = "Rejected"
