package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	perrors "github.com/sessionprep/sessionprep/internal/errors"
)

// Publisher uploads a set of local files under a common key prefix with
// bounded parallelism.
type Publisher struct {
	storage     ObjectStorage
	prefix      string
	concurrency int
}

// PublishResult maps each local path to its object key, or to the error
// that stopped its upload.
type PublishResult struct {
	Keys   map[string]string
	Errors map[string]error
}

// Failed reports whether any upload failed.
func (r *PublishResult) Failed() bool {
	return len(r.Errors) > 0
}

// FirstError returns the error for the lexically first failed path, or nil.
func (r *PublishResult) FirstError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	paths := make([]string, 0, len(r.Errors))
	for p := range r.Errors {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return r.Errors[paths[0]]
}

// NewPublisher creates a publisher. concurrency below 1 is treated as 1.
func NewPublisher(storage ObjectStorage, prefix string, concurrency int) *Publisher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Publisher{storage: storage, prefix: prefix, concurrency: concurrency}
}

// Publish uploads every file in localPaths to prefix/<base name>. When two
// files map to the same key nothing is uploaded and each of them gets an
// INVALID_ARGUMENT error.
func (p *Publisher) Publish(ctx context.Context, localPaths []string) *PublishResult {
	result := &PublishResult{
		Keys:   make(map[string]string, len(localPaths)),
		Errors: make(map[string]error),
	}

	byKey := make(map[string][]string, len(localPaths))
	for _, local := range localPaths {
		key := ObjectKey(p.prefix, filepath.Base(local))
		byKey[key] = append(byKey[key], local)
	}
	for key, locals := range byKey {
		if len(locals) < 2 {
			continue
		}
		err := perrors.NewValidationError(perrors.CodeInvalidArg,
			fmt.Sprintf("storage: %s all map to object %s", strings.Join(locals, ", "), key))
		for _, local := range locals {
			result.Errors[local] = err
		}
	}
	if result.Failed() {
		return result
	}

	sem := semaphore.NewWeighted(int64(p.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, local := range localPaths {
		key := ObjectKey(p.prefix, filepath.Base(local))
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[local] = err
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(local, key string) {
			defer sem.Release(1)
			defer wg.Done()

			err := p.storage.Upload(ctx, local, key)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[local] = err
				return
			}
			result.Keys[local] = key
		}(local, key)
	}

	wg.Wait()
	return result
}
