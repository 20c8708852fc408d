// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

const (
	// minKeyMlockKB is the minimum mlock limit required to seal provider
	// keys in locked memory.
	minKeyMlockKB = 64

	// insecureMemoryEnv opts into plain-memory key storage on hosts whose
	// mlock limits cannot be raised.
	insecureMemoryEnv = "KODIAK_INSECURE_MEMORY"
)

var (
	keyGuardOnce    sync.Once
	keyMlockOK      bool
	keyMlockLimitKB int64
)

// APIKey holds a provider credential sealed in a memguard enclave.
//
// # Description
//
// Keys are read once from the environment or a mounted secret file, sealed
// into encrypted locked memory, and the plaintext source is wiped. Reveal
// opens the enclave briefly when an SDK constructor needs the value.
//
// # Thread Safety
//
// Safe for concurrent use; the enclave is immutable after construction.
type APIKey struct {
	enclave *memguard.Enclave
}

// initKeyGuard performs one-time memguard setup and records whether the
// host's mlock limit supports sealed keys.
func initKeyGuard() {
	keyGuardOnce.Do(func() {
		memguard.CatchInterrupt()
		keyMlockOK, keyMlockLimitKB = checkKeyMlockLimit()
		if !keyMlockOK {
			if os.Getenv(insecureMemoryEnv) == "true" {
				slog.Warn("SECURITY: provider keys held in plain memory",
					slog.Int64("mlock_limit_kb", keyMlockLimitKB),
					slog.Int("required_kb", minKeyMlockKB),
				)
			} else {
				slog.Error("mlock limit insufficient for sealed provider keys",
					slog.Int64("mlock_limit_kb", keyMlockLimitKB),
					slog.Int("required_kb", minKeyMlockKB),
					slog.String("help", "raise RLIMIT_MEMLOCK or set "+insecureMemoryEnv+"=true"),
				)
			}
		}
	})
}

// checkKeyMlockLimit queries the kernel mlock limit.
//
// # Outputs
//
//   - bool: True when the limit covers sealed key storage.
//   - int64: Current limit in kilobytes, -1 when unlimited.
func checkKeyMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", slog.Any("error", err))
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minKeyMlockKB, limitKB
}

// LoadAPIKey reads a credential from envVar, falling back to secretPath
// (a mounted container secret), and seals it.
//
// # Inputs
//
//   - envVar: Environment variable to check first, e.g. "OPENAI_API_KEY".
//   - secretPath: Optional file fallback, e.g. "/run/secrets/openai_api_key".
//
// # Outputs
//
//   - *APIKey: The sealed key.
//   - error: Non-nil when neither source yields a value or sealing is
//     refused by the mlock policy.
func LoadAPIKey(envVar, secretPath string) (*APIKey, error) {
	initKeyGuard()

	raw := os.Getenv(envVar)
	if raw == "" && secretPath != "" {
		data, err := os.ReadFile(secretPath)
		if err == nil {
			raw = strings.TrimSpace(string(data))
			memguard.WipeBytes(data)
			slog.Info("Read provider key from mounted secret", slog.String("path", secretPath))
		}
	}
	if raw == "" {
		return nil, fmt.Errorf("%s not set and no secret found", envVar)
	}
	if !keyMlockOK && os.Getenv(insecureMemoryEnv) != "true" {
		return nil, fmt.Errorf("mlock limit insufficient: have %d KB, need %d KB; set %s=true to override",
			keyMlockLimitKB, minKeyMlockKB, insecureMemoryEnv)
	}

	buf := memguard.NewBufferFromBytes([]byte(raw))
	return &APIKey{enclave: buf.Seal()}, nil
}

// Reveal opens the enclave and returns the credential for an SDK
// constructor. The locked buffer is destroyed before returning; the SDK's
// own copy is outside our custody.
func (k *APIKey) Reveal() (string, error) {
	if k == nil || k.enclave == nil {
		return "", fmt.Errorf("api key not loaded")
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open sealed key: %w", err)
	}
	// Copy out before Destroy wipes the backing region.
	key := string(buf.Bytes())
	buf.Destroy()
	return key, nil
}
