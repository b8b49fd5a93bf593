package service

import "errors"

var (
	// ErrPermissionDenied: the caller is not a member of the channel's
	// server. Terminal; never retried.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrValidation: the input is wrong (empty body with no attachment,
	// oversized attachment). Terminal; the caller must correct it.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidReference: reply to a nonexistent parent, or to a parent
	// in a different channel scope. Terminal.
	ErrInvalidReference = errors.New("invalid message reference")

	// ErrUploadFailed: the attachment transfer failed after bounded
	// retries.
	ErrUploadFailed = errors.New("upload failed")

	// ErrSubscriptionLost: the live feed transport dropped; the client
	// resubscribes and reconciles via a fresh snapshot.
	ErrSubscriptionLost = errors.New("subscription lost")
)
