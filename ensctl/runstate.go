package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/ensemble-fleet/ensemble/common"
)

func runStateCmd(c *cli.Context, desired common.RunState, restart bool) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}

	body, err := json.Marshal(&common.RunStateRequest{Desired: desired, Restart: restart})
	if err != nil {
		return err
	}

	verb := "start"
	if desired == common.RunStateStopped {
		verb = "stop"
	}
	if restart {
		verb = "restart"
	}

	if c.Bool("all") {
		resp, err := cc.Client.POST(c.Context, cc.BaseURL+"/fleet/run-state", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		op := &common.FleetOpResponse{}
		if err := json.NewDecoder(resp.Body).Decode(op); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		printFleetOp(op, os.Stdout)
		if len(op.Errors) > 0 {
			return fmt.Errorf("%d node(s) rejected the %s request", len(op.Errors), verb)
		}
		return nil
	}

	node := c.Args().First()
	if node == "" {
		return errors.New("a node id is required (or --all)")
	}

	resp, err := cc.Client.POST(c.Context, cc.BaseURL+"/nodes/"+node+"/run-state", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out := &common.RunStateResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Printf("Requested %s of %s (attempt %s)\n", verb, node, out.Attempt)
	return nil
}

// printFleetOp reports a bulk operation node by node, accepted nodes first.
func printFleetOp(op *common.FleetOpResponse, w io.Writer) {
	for _, id := range sortedKeys(op.Attempts) {
		fmt.Fprintf(w, "%s: attempt %s\n", id, op.Attempts[id])
	}
	for _, id := range sortedKeys(op.Errors) {
		fmt.Fprintf(w, "%s: %s\n", id, op.Errors[id])
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
