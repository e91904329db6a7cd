package main

import "errors"

// Authorization errors
var (
	ErrNotOwner           = errors.New("caller is not the owner")
	ErrNotRouter          = errors.New("caller is not a router")
	ErrNotSelected        = errors.New("router is not in the active relay set")
	ErrSelectedChallenger = errors.New("routers in the active relay set cannot challenge")
)

// Ordering and dedup errors
var (
	ErrAheadOfID        = errors.New("message id is ahead of the next expected id")
	ErrAlreadyReceived  = errors.New("router already submitted this message")
	ErrReceiveCompleted = errors.New("message already finalized")
)

// Ledger and configuration errors
var (
	ErrRouterAlreadyRegistered = errors.New("router already registered")
	ErrRouterNotExist          = errors.New("router does not exist")
	ErrCreditBeyondUpLimit     = errors.New("credibility value beyond upper limit")
	ErrCreditValueError        = errors.New("inconsistent credibility values")
)

// Query errors
var (
	ErrNotExecutable        = errors.New("message is not executable")
	ErrChainMessageNotFound = errors.New("chain message not found")
	ErrIDOutOfBound         = errors.New("message id out of bound")
)

// SQoS protocol errors
var (
	ErrRevealCheckFailed     = errors.New("revealed message does not match commitment")
	ErrNotRevealer           = errors.New("router did not commit a hidden message")
	ErrSQoSNotComplete       = errors.New("sqos phase not complete")
	ErrWrongSQoSType         = errors.New("wrong sqos type for contract")
	ErrSQoSCompleted         = errors.New("hidden message collection already complete")
	ErrAlreadyCommitted      = errors.New("router already committed a hidden message")
	ErrAlreadyChallenged     = errors.New("router already challenged this message")
	ErrChallengeWindowClosed = errors.New("challenge window closed")
	ErrInvalidSQoSValue      = errors.New("invalid sqos value")
)

// Dispatch boundary errors
var (
	ErrDecodeDataFailed        = errors.New("failed to decode message payload")
	ErrCrossContractCallFailed = errors.New("cross-contract call failed")
)

// ErrInvalidMessage is returned for structurally invalid messages
var ErrInvalidMessage = errors.New("invalid message")
