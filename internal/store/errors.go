package store

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("conversation not found")

// TxError is returned for any failed read or write against the database.
// Callers keep their in-memory state and may retry.
type TxError struct {
	Op  string
	Err error
}

func (e *TxError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func txErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var te *TxError
	if errors.As(err, &te) {
		return err
	}
	return &TxError{Op: op, Err: err}
}
