// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package conveyor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/conveyor"
)

func TestDeterministicPath(t *testing.T) {
	// md5("cms:file-a") = a470d380...
	require.Equal(t, "cms/a4/70/file-a",
		conveyor.DeterministicPath(catalog.DID{Scope: "cms", Name: "file-a"}))
	// md5("cms:file-b") = 39fa1fb2...
	require.Equal(t, "cms/39/fa/file-b",
		conveyor.DeterministicPath(catalog.DID{Scope: "cms", Name: "file-b"}))
}

func TestSelectProtocol(t *testing.T) {
	root := catalog.Protocol{Scheme: "root", ReadPriority: 1, WritePriority: 2}
	davs := catalog.Protocol{Scheme: "davs", ReadPriority: 2, WritePriority: 2}
	gsiftp := catalog.Protocol{Scheme: "gsiftp", ReadPriority: 0, WritePriority: 1}
	protocols := []catalog.Protocol{davs, root, gsiftp}

	selected, ok := conveyor.SelectProtocol(protocols, conveyor.OpRead)
	require.True(t, ok)
	require.Equal(t, "root", selected.Scheme)

	// gsiftp has priority 0 for reads: not eligible there, best for writes
	selected, ok = conveyor.SelectProtocol(protocols, conveyor.OpWrite)
	require.True(t, ok)
	require.Equal(t, "gsiftp", selected.Scheme)

	// a write-priority tie breaks by scheme
	selected, ok = conveyor.SelectProtocol([]catalog.Protocol{root, davs}, conveyor.OpWrite)
	require.True(t, ok)
	require.Equal(t, "davs", selected.Scheme)

	_, ok = conveyor.SelectProtocol([]catalog.Protocol{gsiftp}, conveyor.OpRead)
	require.False(t, ok)
	_, ok = conveyor.SelectProtocol(nil, conveyor.OpRead)
	require.False(t, ok)
}

func TestPFNRoundtrip(t *testing.T) {
	protocol := catalog.Protocol{
		Scheme: "root", Hostname: "xrootd.site-a.example", Port: 1094, Prefix: "/data",
	}

	pfn := conveyor.PFN(protocol, "cms/a4/70/file-a")
	require.Equal(t, "root://xrootd.site-a.example:1094/data/cms/a4/70/file-a", pfn)

	relative, ok := conveyor.RelativePath(protocol, pfn)
	require.True(t, ok)
	require.Equal(t, "cms/a4/70/file-a", relative)

	_, ok = conveyor.RelativePath(protocol, "root://other.example:1094/data/cms/a4/70/file-a")
	require.False(t, ok)
	_, ok = conveyor.RelativePath(protocol, "root://xrootd.site-a.example:1094/other/cms/a4/70/file-a")
	require.False(t, ok)

	bare := catalog.Protocol{Scheme: "root", Hostname: "host", Port: 1094}
	require.Equal(t, "root://host:1094/cms/a4/70/file-a", conveyor.PFN(bare, "cms/a4/70/file-a"))
}

func TestTransferLink(t *testing.T) {
	require.Equal(t,
		"https://fts.example:8449/fts3/ftsmon/#/job/abc123",
		conveyor.TransferLink("https://fts.example:8446", "abc123"))
	require.Equal(t,
		"mem://local/fts3/ftsmon/#/job/mem-1",
		conveyor.TransferLink("mem://local", "mem-1"))
	require.Empty(t, conveyor.TransferLink("", "abc123"))
	require.Empty(t, conveyor.TransferLink("https://fts.example:8446", ""))
}
