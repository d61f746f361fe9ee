package domain

import "errors"

// Infrastructure errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
)

// Authorization errors.
var (
	ErrNotOwner = errors.New("caller is not the owner")
)

// Phase violations: the operation was attempted outside its valid phase.
var (
	ErrRoundNotPredicting = errors.New("round is not accepting predictions")
	ErrRoundNotEnded      = errors.New("round has not ended")
	ErrNotSettled         = errors.New("round is not settled")
	ErrAlreadySettled     = errors.New("round already settled")
	ErrNotRevealed        = errors.New("round is not revealed")
	ErrAlreadyRevealed    = errors.New("round already revealed")
	ErrAlreadyVerified    = errors.New("round already verified")
)

// Ledger violations.
var (
	ErrAlreadyPredicted    = errors.New("prediction already submitted")
	ErrNoPrediction        = errors.New("no active prediction")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidTolerance    = errors.New("invalid tolerance")
	ErrInvalidTargetTime   = errors.New("invalid target time")
	ErrInvalidName         = errors.New("invalid round name")
	ErrInvalidHandle       = errors.New("invalid ciphertext handle")
	ErrInvalidInputProof   = errors.New("invalid input proof")
	ErrHandleInUse         = errors.New("ciphertext handle already in use")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Settlement integrity.
var (
	ErrInvalidProof = errors.New("invalid decryption proof")
)

// Claim violations.
var (
	ErrNotWinner       = errors.New("not a winner")
	ErrAlreadyClaimed  = errors.New("reward already claimed")
	ErrClaimExpired    = errors.New("claim period expired")
	ErrSweepNotAllowed = errors.New("round pool cannot be swept yet")
	ErrAlreadySwept    = errors.New("round pool already swept")
)
