// Package validation provides boundary-input checks for file paths,
// listen addresses, non-empty strings and integer ranges. No other package
// in this module imports it; the Sender, Receiver and TransferManager APIs
// do not call these checks.
package validation

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

var (
	ErrInvalidPath   = errors.New("invalid file path")
	ErrPathNotExists = errors.New("path does not exist")
	ErrInvalidAddr   = errors.New("invalid listen address")
	ErrEmptyString   = errors.New("value must not be empty")
	ErrOutOfRange    = errors.New("value out of range")
)

func ValidateFilePath(p string, mustExist bool) error {
	if p == "" {
		return ErrInvalidPath
	}
	if !filepath.IsAbs(p) {
		p = filepath.Clean(p)
	}
	if mustExist {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotExists, err)
		}
	}
	return nil
}

func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	_, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}

// ValidateChunkSize enforces spec.md I1: chunkSize ∈ [8 KiB, 256 KiB].
func ValidateChunkSize(v int) error {
	const min = 8 * 1024
	const max = 256 * 1024
	return ValidateRangeInt(v, min, max)
}

// ValidateTransferID rejects an empty transferId. The Start, Pause,
// Resume, Cancel, OnAck and OnBatchAck entry points do not call it.
func ValidateTransferID(id string) error {
	return ValidateStringNonEmpty(id)
}
