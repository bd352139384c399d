// Package errors provides structured error handling with machine-readable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request validation errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Ceremony errors
	CodeUnknownChallenge     Code = "UNKNOWN_CHALLENGE"
	CodeExpiredChallenge     Code = "EXPIRED_CHALLENGE"
	CodeChallengeAlreadyUsed Code = "CHALLENGE_ALREADY_USED"
	CodeMalformedResponse    Code = "MALFORMED_RESPONSE"
	CodeOriginMismatch       Code = "ORIGIN_MISMATCH"
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"

	// Credential errors
	CodeDuplicateCredential   Code = "DUPLICATE_CREDENTIAL"
	CodeUnknownCredential     Code = "UNKNOWN_CREDENTIAL"
	CodePossibleCloneDetected Code = "POSSIBLE_CLONE_DETECTED"

	// Account errors
	CodeAccountEmailEmpty   Code = "ACCOUNT_EMAIL_EMPTY"
	CodeAccountEmailInvalid Code = "ACCOUNT_EMAIL_INVALID"
	CodeAccountEmailTaken   Code = "ACCOUNT_EMAIL_TAKEN"

	// Session bridge errors
	CodeInvalidOrExpiredToken Code = "INVALID_OR_EXPIRED_TOKEN"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes.
//
// Every ceremony failure maps to 401 so responses never reveal which
// verification step rejected the attempt.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument,
		CodeAccountEmailEmpty,
		CodeAccountEmailInvalid:
		return http.StatusBadRequest

	case CodeUnknownChallenge,
		CodeExpiredChallenge,
		CodeChallengeAlreadyUsed,
		CodeMalformedResponse,
		CodeOriginMismatch,
		CodeInvalidSignature,
		CodeUnknownCredential,
		CodePossibleCloneDetected,
		CodeInvalidOrExpiredToken:
		return http.StatusUnauthorized

	case CodeNotFound:
		return http.StatusNotFound

	case CodeDuplicateCredential,
		CodeAccountEmailTaken:
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}
