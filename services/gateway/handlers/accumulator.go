// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements secure reply accumulation for streaming chat
// responses. Fragments are buffered in mlocked memory so a reply never
// swaps to disk before it is persisted, and are incrementally hashed for
// integrity logging.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// ReplyBufferSize is the size of the mlocked buffer for reply
	// accumulation. 512 KB covers long replies with room to spare.
	ReplyBufferSize = 512 * 1024

	// minMlockLimitKB is the minimum mlock limit required in kilobytes.
	minMlockLimitKB = 512
)

// insecureMemoryEnv opts into plain Go memory when mlock limits are too
// low. The operator acknowledges that reply text may swap to disk.
const insecureMemoryEnv = "MENTOR_INSECURE_MEMORY"

var (
	memguardInitOnce sync.Once
	mlockSufficient  bool
	mlockLimitKB     int64
)

// =============================================================================
// Interface Definition
// =============================================================================

// ReplyAccumulator buffers streamed reply fragments until a turn can be
// persisted.
//
// # Description
//
// The handler relays each fragment to the client and writes the same
// fragment here; Finalize yields the full reply for the turn record.
// Fragments are hashed incrementally as they arrive.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Limitations
//
//   - Buffer size is fixed (cannot grow dynamically)
//   - Cannot be reused after Finalize() or Destroy()
type ReplyAccumulator interface {
	// Write appends a fragment. Returns an error on overflow or after
	// the accumulator has been finalized or destroyed.
	Write(fragment string) error

	// Finalize returns the accumulated reply and its SHA-256 hash (hex
	// encoded), then wipes the buffer. Can only be called once.
	Finalize() (reply string, hash string, err error)

	// Destroy wipes the buffer without returning data. Use on error
	// paths. Idempotent.
	Destroy()

	// ID returns a unique identifier for this accumulator, for logging.
	ID() string
}

// =============================================================================
// Secure Implementation
// =============================================================================

// secureReplyAccumulator stores fragments in a memguard LockedBuffer:
// mlocked against swapping, guard pages against overflow, explicit zeroing
// on Destroy.
type secureReplyAccumulator struct {
	id        string
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// insecureReplyAccumulator is the fallback for systems without sufficient
// mlock limits, enabled only via MENTOR_INSECURE_MEMORY=true. Wiping is
// best-effort; the GC may have copied the data.
type insecureReplyAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// NewReplyAccumulator creates an accumulator backed by mlocked memory.
//
// If the system's mlock limit is below minMlockLimitKB, returns an error
// unless MENTOR_INSECURE_MEMORY=true, in which case a plain-memory
// fallback is returned with a warning.
func NewReplyAccumulator() (ReplyAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv(insecureMemoryEnv) == "true" {
			accID := uuid.New().String()
			slog.Warn("Created INSECURE reply accumulator - data may be swapped to disk",
				"accumulator_id", accID,
				"current_limit_kb", mlockLimitKB,
				"required_kb", minMlockLimitKB,
			)
			return &insecureReplyAccumulator{
				id:     accID,
				data:   make([]byte, 0, ReplyBufferSize),
				hasher: sha256.New(),
			}, nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB. "+
				"Raise the limit or set %s=true",
			mlockLimitKB, minMlockLimitKB, insecureMemoryEnv,
		)
	}

	buf := memguard.NewBuffer(ReplyBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", ReplyBufferSize)
	}
	buf.Melt()

	return &secureReplyAccumulator{
		id:     uuid.New().String(),
		buffer: buf,
		hasher: sha256.New(),
	}, nil
}

func (a *secureReplyAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - reply too large")
	}

	b := []byte(fragment)
	if a.offset+len(b) > ReplyBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(b), ReplyBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], b)
	a.offset += len(b)
	a.hasher.Write(b)
	return nil
}

func (a *secureReplyAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	reply := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized reply accumulator",
		"accumulator_id", a.id,
		"reply_length", len(reply),
		"hash", hashStr[:16]+"...",
	)
	return reply, hashStr, nil
}

func (a *secureReplyAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *secureReplyAccumulator) ID() string {
	return a.id
}

func (a *secureReplyAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

func (a *insecureReplyAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - reply too large")
	}

	b := []byte(fragment)
	if len(a.data)+len(b) > ReplyBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(b), ReplyBufferSize-len(a.data))
	}

	a.data = append(a.data, b...)
	a.hasher.Write(b)
	return nil
}

func (a *insecureReplyAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	reply := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return reply, hashStr, nil
}

func (a *insecureReplyAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *insecureReplyAccumulator) ID() string {
	return a.id
}

func (a *insecureReplyAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Package Initialization
// =============================================================================

// initMemguard performs one-time memguard setup and checks the mlock
// resource limit against the minimum for secure reply accumulation.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, mlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", mlockLimitKB,
				"required_kb", minMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit insufficient for secure reply buffers",
				"current_limit_kb", mlockLimitKB,
				"required_kb", minMlockLimitKB,
				"env_override", insecureMemoryEnv+"=true",
			)
		}
	})
}

// checkMlockLimit reports whether RLIMIT_MEMLOCK allows the secure buffer,
// and the current limit in KB (-1 if unlimited or unknown).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory. Call during
// graceful shutdown.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var (
	_ ReplyAccumulator = (*secureReplyAccumulator)(nil)
	_ ReplyAccumulator = (*insecureReplyAccumulator)(nil)
)
