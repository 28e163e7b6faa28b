package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodePreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"id":"n1","type":"document","position":{"x":10,"y":20},"data":{"entityId":"d-1","title":"Plan"}}`)

	var node Node
	require.NoError(t, json.Unmarshal(raw, &node))
	assert.Equal(t, Entity{ID: "d-1", Type: EntityDocument}, node.Entity())

	node.Data.EntityID = "d-2"
	encoded, err := json.Marshal(node)
	require.NoError(t, err)

	var round map[string]any
	require.NoError(t, json.Unmarshal(encoded, &round))
	assert.Equal(t, map[string]any{"x": float64(10), "y": float64(20)}, round["position"])
	assert.Equal(t, "d-2", round["data"].(map[string]any)["entityId"])
}

func TestNodeCloneIsIndependent(t *testing.T) {
	node := Node{ID: "n1", Type: EntityResource, Data: NodeData{EntityID: "r-1", Metadata: map[string]any{"k": "v"}}}
	require.NoError(t, node.SetExtra("position", map[string]int{"x": 1}))

	clone := node.Clone()
	clone.Data.Metadata["k"] = "changed"
	require.NoError(t, clone.SetExtra("position", map[string]int{"x": 2}))

	assert.Equal(t, "v", node.Data.Metadata["k"])
	pos, ok := node.Extra("position")
	require.True(t, ok)
	assert.JSONEq(t, `{"x":1}`, string(pos))
}

func TestVectorClockDominates(t *testing.T) {
	clock := VectorClock{"a": 2, "b": 1}
	assert.True(t, clock.Dominates(VectorClock{"a": 1}))
	assert.False(t, clock.Dominates(VectorClock{"c": 1}))

	clone := clock.Clone()
	clone.Bump("a")
	assert.Equal(t, uint64(2), clock["a"])
	assert.Equal(t, uint64(3), clone["a"])
}
