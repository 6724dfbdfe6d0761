// Package cos provides common low-level types and utilities shared by the
// control plane and the process controller.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/teris-io/shortid"
)

// Alphabet for generating IDs similar to shortid.DEFAULT_ABC.
// NOTE: len(idABC) > 0x3f - see GenTie()
const idABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

const (
	LenShortID = 9 // ID length, as per https://github.com/teris-io/shortid#id-length
	lenProcID  = 8 // min length, via cryptographic rand

	tooLongID = 32
)

const (
	mayOnlyContain = "may only contain letters, numbers, dashes (-), underscores (_)"
	OnlyNice       = "must be at most 32 characters and " + mayOnlyContain
)

var (
	sid  *shortid.Shortid
	rtie atomic.Uint32
)

func InitShortID(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, idABC, seed)
}

//
// IDs: invocations, applications, processes, swap sessions
//

// GenUUID returns a process-global unique, URL-safe ID used for invocation
// ids, process names and swap session ids.
func GenUUID() (uuid string) {
	var h, t string
	uuid = sid.MustGenerate()
	if !isAlpha(uuid[0]) {
		tie := int(rtie.Add(1))
		h = string(rune('A' + tie%26))
	}
	c := uuid[len(uuid)-1]
	if c == '-' || c == '_' {
		tie := int(rtie.Add(1))
		t = string(rune('a' + tie%26))
	}
	return h + uuid + t
}

func IsValidUUID(uuid string) bool {
	return len(uuid) >= LenShortID && IsAlphaNice(uuid)
}

// GenProcID generates a process identifier the way a newly allocated
// sandbox gets one: cryptographically random, short enough to fit the
// wire message's 16-byte ID slot (see wire.IDSize).
func GenProcID() string { return CryptoRandS(lenProcID) }

func ValidateProcID(id string) error {
	if len(id) < lenProcID {
		return fmt.Errorf("process id %q is too short", id)
	}
	if !IsAlphaNice(id) {
		return fmt.Errorf("process id %q is invalid: must start with a letter, "+OnlyNice, id)
	}
	return nil
}

func CryptoRandS(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	const abc = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	out := make([]byte, n)
	for i, c := range b {
		out[i] = abc[int(c)%len(abc)]
	}
	return string(out)
}

//
// utility functions
//

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// letters and numbers w/ '-' and '_' permitted with limitations (see OnlyNice const)
func IsAlphaNice(s string) bool {
	l := len(s)
	if l > tooLongID {
		return false
	}
	for i := range l {
		c := s[i]
		if isAlpha(c) || (c >= '0' && c <= '9') {
			continue
		}
		if c != '-' && c != '_' {
			return false
		}
		if i == 0 || i == l-1 {
			return false
		}
	}
	return true
}

// alpha-numeric++ including letters, numbers, dashes (-), underscores (_) and dots (.)
func CheckAlphaPlus(s, tag string) error {
	const tooLongName = 64
	l := len(s)
	if l > tooLongName {
		return fmt.Errorf("%s is too long: %d > %d(max length)", tag, l, tooLongName)
	}
	for i := range l {
		c := s[i]
		if isAlpha(c) || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			continue
		}
		if c != '.' {
			return errors.New(tag + " is invalid: must contain only letters, numbers, dashes, underscores and dots")
		}
		if i < l-1 && s[i+1] == '.' {
			return errors.New(tag + " is invalid: consecutive dots not allowed")
		}
	}
	return nil
}

// 3-letter tie breaker (fast)
func GenTie() string {
	tie := rtie.Add(1)
	b0 := idABC[tie&0x3f]
	b1 := idABC[-tie&0x3f]
	b2 := idABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}
