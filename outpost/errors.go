// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package outpost

import "fmt"

// ConfigurationError indicates that an option passed to Open,
// OpenDBI, or a similar constructor had an invalid shape (a missing
// path, a negative size, options incompatible with an already-open
// environment), or that a call did not fit the current state (releasing
// a path that is not open, committing or aborting with no open write
// transaction, aborting a nested frame).
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "outpost: configuration: " + e.Msg }

// NewConfigurationError builds a ConfigurationError with a formatted message.
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// StoreError wraps any error surfaced by the underlying B-tree store
// (bbolt) other than "key exists" or "not found", which are represented
// as condition failures rather than errors. Code is a legacy numeric
// code preserved for callers that expect an MDBX-rc-shaped surface;
// zero means no legacy code is available.
type StoreError struct {
	Code int
	Err  error
}

func (e *StoreError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("outpost: store error %d: %s", e.Code, e.Err)
	}
	return fmt.Sprintf("outpost: store error: %s", e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err as a StoreError with the given legacy code.
func NewStoreError(code int, err error) *StoreError {
	return &StoreError{Code: code, Err: err}
}

// CompressionError indicates that decompression failed (corrupt or
// truncated envelope, or the decompressed length exceeds the
// configured decompress target) or that compression overflowed its
// output bound. It is never fatal to a batch: the record in question
// is simply marked invalid on read, or stored uncompressed on write.
type CompressionError struct {
	Msg string
}

func (e *CompressionError) Error() string { return "outpost: compression: " + e.Msg }

// NewCompressionError builds a CompressionError with a formatted message.
func NewCompressionError(format string, args ...interface{}) *CompressionError {
	return &CompressionError{Msg: fmt.Sprintf(format, args...)}
}

// ProtocolError is fatal to the batch it occurs in: unknown flag bits,
// an unknown opcode, or a condition-block depth that went negative.
// The worker aborts the transaction, sets TxnHadError in the stream's
// head word and returns this error from Run (and so from Wait); it
// never continues decoding past a ProtocolError.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "outpost: protocol: " + e.Msg }

// NewProtocolError builds a ProtocolError with a formatted message.
func NewProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}
