package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ensemble-fleet/ensemble/common"
)

func TestPrintFleetOp(t *testing.T) {
	op := &common.FleetOpResponse{
		Attempts: map[string]string{
			"node-b": "52b8a7c2-90fd-4f84-a373-1a7670b8d1c6",
			"node-a": "e9a1b5d0-7c55-4a39-9a3f-2b8f86f0c111",
		},
		Errors: map[string]string{
			"node-c": "node has no configuration to run",
		},
	}

	buf := &bytes.Buffer{}
	printFleetOp(op, buf)

	expected := "node-a: attempt e9a1b5d0-7c55-4a39-9a3f-2b8f86f0c111\n" +
		"node-b: attempt 52b8a7c2-90fd-4f84-a373-1a7670b8d1c6\n" +
		"node-c: node has no configuration to run\n"
	assert.Equal(t, expected, buf.String())
}
