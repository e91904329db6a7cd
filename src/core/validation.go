package main

import (
	"fmt"
	"strings"
	"unicode"
)

// Field length limits
const (
	MaxRouterIDLength = 128
	MaxChainLength    = 64
	MaxAddressLength  = 256
	MaxSQoSEntries    = 16
	MaxSQoSValueLen   = 64
)

// MaxPayloadSize is the maximum size in bytes of a message payload (64KB)
const MaxPayloadSize = 64 * 1024

// ValidateStringField checks for max length and control characters
func ValidateStringField(s string, maxLength int) bool {
	if len(s) > maxLength {
		return false
	}
	return !ContainsControlCharacters(s)
}

// ContainsControlCharacters checks if a string contains invalid control characters
func ContainsControlCharacters(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// IsValidRouterID checks that a router id is non-empty, bounded and printable
func IsValidRouterID(id RouterID) bool {
	return id != "" && len(id) <= MaxRouterIDLength && !ContainsControlCharacters(string(id))
}

// IsValidChainName checks that a chain name is non-empty, bounded and printable
func IsValidChainName(chain string) bool {
	return chain != "" && ValidateStringField(chain, MaxChainLength) && !strings.ContainsRune(chain, ':')
}

// IsKnownSQoSType reports whether t is one of the defined policy types
func IsKnownSQoSType(t SQoSType) bool {
	switch t {
	case SQoSReveal, SQoSChallenge, SQoSThreshold, SQoSPriority, SQoSExceptionRollback,
		SQoSSelectionDelay, SQoSAnonymous, SQoSIdentity, SQoSIsolation, SQoSCrossVerify:
		return true
	}
	return false
}

// ValidateMessage checks the structure of a submitted message.
// Error-only (abandon) messages may leave the content fields empty.
func ValidateMessage(msg Message) error {
	if msg.ID == 0 {
		return fmt.Errorf("%w: id must be positive", ErrIDOutOfBound)
	}

	if !IsValidChainName(msg.FromChain) {
		logger.Debug("Invalid source chain in message", "chain", msg.FromChain, "id", msg.ID)
		return fmt.Errorf("%w: invalid source chain %q", ErrInvalidMessage, msg.FromChain)
	}

	if !ValidateStringField(msg.Sender, MaxAddressLength) || !ValidateStringField(msg.Signer, MaxAddressLength) {
		logger.Debug("Invalid sender or signer in message", "chain", msg.FromChain, "id", msg.ID)
		return fmt.Errorf("%w: invalid sender or signer", ErrInvalidMessage)
	}

	if !ValidateStringField(msg.Contract, MaxAddressLength) {
		return fmt.Errorf("%w: invalid contract", ErrInvalidMessage)
	}

	isError := msg.ErrorCode != nil || msg.Session.Type == SessionAbandon
	if msg.Contract == "" && !isError {
		logger.Debug("Message missing target contract", "chain", msg.FromChain, "id", msg.ID)
		return fmt.Errorf("%w: missing contract", ErrInvalidMessage)
	}

	if len(msg.SQoS) > MaxSQoSEntries {
		return fmt.Errorf("%w: too many sqos entries (%d)", ErrInvalidMessage, len(msg.SQoS))
	}
	for _, s := range msg.SQoS {
		if !IsKnownSQoSType(s.Type) || !ValidateStringField(s.Value, MaxSQoSValueLen) {
			return fmt.Errorf("%w: invalid sqos entry %q", ErrInvalidMessage, s.Type)
		}
	}

	if len(msg.Data) > MaxPayloadSize {
		logger.Debug("Payload exceeds max size", "size", len(msg.Data), "max", MaxPayloadSize, "id", msg.ID)
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidMessage, MaxPayloadSize)
	}

	return nil
}
