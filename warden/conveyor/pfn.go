// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package conveyor

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/drovelabs/drove/warden/catalog"
)

// Operation selects which protocol priority applies.
type Operation int

// The protocol operations.
const (
	OpRead Operation = iota
	OpWrite
	OpDelete
)

// DeterministicPath maps an identifier to its canonical prefix-relative
// path: scope/xx/yy/name with xx, yy from md5("scope:name").
func DeterministicPath(did catalog.DID) string {
	sum := md5.Sum([]byte(did.String()))
	digest := hex.EncodeToString(sum[:])
	return did.Scope + "/" + digest[0:2] + "/" + digest[2:4] + "/" + did.Name
}

// SelectProtocol picks the protocol with the best (lowest positive) priority
// for the operation. Ties break by scheme for determinism.
func SelectProtocol(protocols []catalog.Protocol, op Operation) (catalog.Protocol, bool) {
	priority := func(p catalog.Protocol) int {
		switch op {
		case OpWrite:
			return p.WritePriority
		case OpDelete:
			return p.DeletePriority
		}
		return p.ReadPriority
	}

	eligible := make([]catalog.Protocol, 0, len(protocols))
	for _, p := range protocols {
		if priority(p) > 0 {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return catalog.Protocol{}, false
	}
	sort.Slice(eligible, func(i, j int) bool {
		if priority(eligible[i]) != priority(eligible[j]) {
			return priority(eligible[i]) < priority(eligible[j])
		}
		return eligible[i].Scheme < eligible[j].Scheme
	})
	return eligible[0], true
}

// PFN builds the physical file name of a prefix-relative path under a
// protocol.
func PFN(protocol catalog.Protocol, relative string) string {
	prefix := strings.Trim(protocol.Prefix, "/")
	relative = strings.TrimPrefix(relative, "/")
	if prefix != "" {
		relative = prefix + "/" + relative
	}
	return fmt.Sprintf("%s://%s:%d/%s", protocol.Scheme, protocol.Hostname, protocol.Port, relative)
}

// RelativePath strips a protocol's endpoint and prefix off a physical file
// name, recovering the prefix-relative path.
func RelativePath(protocol catalog.Protocol, pfn string) (string, bool) {
	endpoint := fmt.Sprintf("%s://%s:%d/", protocol.Scheme, protocol.Hostname, protocol.Port)
	if !strings.HasPrefix(pfn, endpoint) {
		return "", false
	}
	relative := strings.TrimPrefix(pfn, endpoint)
	if prefix := strings.Trim(protocol.Prefix, "/"); prefix != "" {
		if !strings.HasPrefix(relative, prefix+"/") {
			return "", false
		}
		relative = strings.TrimPrefix(relative, prefix+"/")
	}
	return relative, true
}
