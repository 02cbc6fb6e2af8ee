package main

import (
	"context"
	"errors"

	apperrors "github.com/odvcencio/threadline/pkg/errors"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitBackend     = 3
	exitInterrupted = 130
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

// exitCodeForError prefers an explicit exit code, then maps error codes:
// configuration and input problems are usage errors, backend and transport
// failures get their own code so scripts can retry.
func exitCodeForError(err error) int {
	if err == nil {
		return exitOK
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeConfigLoad, apperrors.ErrCodeConfigParse, apperrors.ErrCodeConfigInvalid,
		apperrors.ErrCodeInvalidInput:
		return exitUsage
	case apperrors.ErrCodeTransport, apperrors.ErrCodeBackend, apperrors.ErrCodeRateLimit,
		apperrors.ErrCodeStreamDecode:
		return exitBackend
	}
	return exitFailure
}
