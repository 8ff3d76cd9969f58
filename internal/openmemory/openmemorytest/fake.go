// Package openmemorytest provides an in-memory stand-in for the OpenMemory
// client. Tests configure one outcome per call family and inspect the
// requests the code under test issued.
package openmemorytest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/engramhq/engram/internal/openmemory"
)

// Fake satisfies the Store/Search/Healthy surfaces of openmemory.Client.
type Fake struct {
	mu sync.Mutex

	storeResult  openmemory.StoreResult
	storeErr     error
	searchResult openmemory.SearchResult
	searchErr    error
	healthErr    error

	storeCalls  []openmemory.StoreRequest
	searchCalls []openmemory.SearchRequest
}

// New returns a fake that succeeds: stores yield memory ids mem_fake_<n>,
// searches yield no results.
func New() *Fake {
	f := &Fake{}
	f.ConfigureStoreSuccess("")
	f.ConfigureSearchSuccess()
	return f
}

// ConfigureStoreSuccess makes Store succeed. With an empty memoryID each call
// mints mem_fake_<n> so consecutive stores stay distinguishable.
func (f *Fake) ConfigureStoreSuccess(memoryID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeErr = nil
	f.storeResult = openmemory.StoreResult{Success: true, MemoryID: memoryID}
}

// ConfigureStoreConnectionError makes Store fail at the transport level.
func (f *Fake) ConfigureStoreConnectionError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeErr = &openmemory.ConnError{Err: errors.New(msg)}
}

// ConfigureStoreAPIError makes Store fail with an HTTP status.
func (f *Fake) ConfigureStoreAPIError(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeErr = &openmemory.APIError{StatusCode: status, Body: body}
}

// ConfigureStoreGenericError makes Store fail with a service-level error.
func (f *Fake) ConfigureStoreGenericError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeErr = &openmemory.Error{Msg: msg}
}

// ConfigureSearchSuccess makes Search return the given results.
func (f *Fake) ConfigureSearchSuccess(results ...openmemory.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchErr = nil
	f.searchResult = openmemory.SearchResult{Success: true, Results: results}
}

// ConfigureSearchConnectionError makes Search fail at the transport level.
func (f *Fake) ConfigureSearchConnectionError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchErr = &openmemory.ConnError{Err: errors.New(msg)}
}

// ConfigureSearchAPIError makes Search fail with an HTTP status.
func (f *Fake) ConfigureSearchAPIError(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchErr = &openmemory.APIError{StatusCode: status, Body: body}
}

// ConfigureSearchGenericError makes Search fail with a service-level error.
func (f *Fake) ConfigureSearchGenericError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchErr = &openmemory.Error{Msg: msg}
}

// ConfigureHealthError makes Healthy report the given error (nil to clear).
func (f *Fake) ConfigureHealthError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

// Store records the request and returns the configured outcome.
func (f *Fake) Store(_ context.Context, req openmemory.StoreRequest) (openmemory.StoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeCalls = append(f.storeCalls, req)
	if f.storeErr != nil {
		return openmemory.StoreResult{}, f.storeErr
	}
	result := f.storeResult
	if result.MemoryID == "" {
		result.MemoryID = fmt.Sprintf("mem_fake_%d", len(f.storeCalls))
	}
	return result, nil
}

// Search records the request and returns the configured outcome.
func (f *Fake) Search(_ context.Context, req openmemory.SearchRequest) (openmemory.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls = append(f.searchCalls, req)
	if f.searchErr != nil {
		return openmemory.SearchResult{}, f.searchErr
	}
	return f.searchResult, nil
}

// Healthy returns the configured health error.
func (f *Fake) Healthy(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

// StoreCalls returns a copy of every Store request seen so far.
func (f *Fake) StoreCalls() []openmemory.StoreRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]openmemory.StoreRequest(nil), f.storeCalls...)
}

// SearchCalls returns a copy of every Search request seen so far.
func (f *Fake) SearchCalls() []openmemory.SearchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]openmemory.SearchRequest(nil), f.searchCalls...)
}

// StoreCallCount reports how many times Store was invoked.
func (f *Fake) StoreCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.storeCalls)
}

// SearchCallCount reports how many times Search was invoked.
func (f *Fake) SearchCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searchCalls)
}
