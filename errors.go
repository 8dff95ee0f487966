/*
Copyright 2026 Vimeo Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package warehouse

import (
	"errors"
	"fmt"
)

var (
	// ErrPending is returned by Unwrap while a record has no settled
	// value yet. Callers wait for a notification on the record's key and
	// look it up again.
	ErrPending = errors.New("warehouse: record is pending")

	// ErrNoRecord is returned by Retry, Set and Update for a key that was
	// never looked up (or has since been evicted).
	ErrNoRecord = errors.New("warehouse: no record for key")

	// ErrClosed is returned by operations on a closed Warehouse, Cache
	// or Controller.
	ErrClosed = errors.New("warehouse: closed")

	// ErrNoQuery is returned by Controller.Retry before the first Run.
	ErrNoQuery = errors.New("warehouse: no query to retry")

	errNilFuture = errors.New("warehouse: query awaited a nil future")
)

// A PanicError carries a panic raised by a query. The record holding it
// is Rejected; the panic does not escape the cache.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("warehouse: query panicked: %v", p.Value)
}
