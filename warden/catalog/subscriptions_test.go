// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/common/uuid"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/catalog/catalogtest"
)

func TestSubscriptions(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		sub := catalog.Subscription{
			Name:    "data-export",
			Account: "ops",
			Filter: catalog.SubscriptionFilter{
				Pattern: `^data16.*\.DAOD\..*`,
				Scopes:  []string{"data16"},
				Metadata: map[string][]string{
					"datatype": {"DAOD", "AOD"},
				},
			},
			Rules: []catalog.RuleTemplate{{
				Copies: 2, RSEExpression: "tier=1\\disk=0", Grouping: "DATASET",
				LifetimeSeconds: 86400,
			}},
		}

		var id uuid.UUID
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) (err error) {
			id, err = tx.AddSubscription(ctx, sub)
			return err
		}))

		got, err := db.GetSubscription(ctx, id)
		require.NoError(t, err)
		require.Equal(t, sub.Name, got.Name)
		require.Equal(t, sub.Filter, got.Filter)
		require.Equal(t, sub.Rules, got.Rules)
		require.Equal(t, catalog.SubscriptionActive, got.State)
		require.Nil(t, got.LastProcessed)

		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			_, err := tx.AddSubscription(ctx, sub)
			return err
		})
		require.True(t, catalog.ErrDuplicate.Has(err))

		active, err := db.ListSubscriptions(ctx, catalog.SubscriptionActive)
		require.NoError(t, err)
		require.Len(t, active, 1)

		require.NoError(t, db.TouchSubscription(ctx, id))
		got, err = db.GetSubscription(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.LastProcessed)

		require.NoError(t, db.SetSubscriptionState(ctx, id, catalog.SubscriptionBroken))
		active, err = db.ListSubscriptions(ctx, catalog.SubscriptionActive)
		require.NoError(t, err)
		require.Empty(t, active)

		err = db.SetSubscriptionState(ctx, testrand.UUID(), catalog.SubscriptionActive)
		require.True(t, catalog.ErrSubscriptionNotFound.Has(err))
	})
}

func TestSubscriptionFilterWireForm(t *testing.T) {
	// pattern and scope live next to the metadata keys on the wire
	filter := catalog.SubscriptionFilter{
		Pattern:  "^mc21.*",
		Scopes:   []string{"mc21"},
		Metadata: map[string][]string{"datatype": {"HITS"}},
	}
	encoded, err := json.Marshal(filter)
	require.NoError(t, err)
	require.JSONEq(t, `{"pattern": "^mc21.*", "scope": ["mc21"], "datatype": ["HITS"]}`, string(encoded))

	var decoded catalog.SubscriptionFilter
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, filter, decoded)

	// a bare metadata string reads as a one-element list
	require.NoError(t, json.Unmarshal([]byte(`{"datatype": "HITS"}`), &decoded))
	require.Equal(t, []string{"HITS"}, decoded.Metadata["datatype"])
}

func TestMessages(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.AddMessage(ctx, "transfer-done", map[string]interface{}{
			"scope": "cms", "name": "file-a", "dst-rse": "SITE-A_DATADISK",
		}))
		require.NoError(t, db.AddMessage(ctx, "transfer-failed", map[string]interface{}{
			"scope": "cms", "name": "file-b", "reason": "checksum mismatch",
		}))

		messages, err := db.ListMessages(ctx, 0)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		require.Equal(t, "transfer-done", messages[0].EventType)
		require.Equal(t, "file-a", messages[0].Payload["name"])

		require.NoError(t, db.DeleteMessages(ctx, []uuid.UUID{messages[0].ID}))
		messages, err = db.ListMessages(ctx, 0)
		require.NoError(t, err)
		require.Len(t, messages, 1)
		require.Equal(t, "transfer-failed", messages[0].EventType)
	})
}

func TestHeartbeats(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.UpsertHeartbeat(ctx, "conveyor-submitter", "node-b", 200))
		require.NoError(t, db.UpsertHeartbeat(ctx, "conveyor-submitter", "node-a", 100))
		require.NoError(t, db.UpsertHeartbeat(ctx, "conveyor-submitter", "node-a", 300))
		require.NoError(t, db.UpsertHeartbeat(ctx, "conveyor-poller", "node-a", 100))

		beats, err := db.ListLiveHeartbeats(ctx, "conveyor-submitter", time.Time{})
		require.NoError(t, err)
		require.Len(t, beats, 3)
		// stable (hostname, pid) order drives shard assignment
		require.Equal(t, "node-a", beats[0].Hostname)
		require.Equal(t, 100, beats[0].PID)
		require.Equal(t, 300, beats[1].PID)
		require.Equal(t, "node-b", beats[2].Hostname)

		// the upsert refreshes in place
		require.NoError(t, db.UpsertHeartbeat(ctx, "conveyor-submitter", "node-a", 100))
		beats, err = db.ListLiveHeartbeats(ctx, "conveyor-submitter", time.Time{})
		require.NoError(t, err)
		require.Len(t, beats, 3)

		deleted, err := db.DeleteStaleHeartbeats(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, int64(4), deleted)

		beats, err = db.ListLiveHeartbeats(ctx, "conveyor-submitter", time.Time{})
		require.NoError(t, err)
		require.Empty(t, beats)
	})
}
