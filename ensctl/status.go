package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ensemble-fleet/ensemble/common"
)

func statusCmd(c *cli.Context) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}

	if node := c.Args().First(); node != "" {
		resp, err := cc.Client.GET(c.Context, cc.BaseURL+"/nodes/"+node+"/status")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		status := &common.NodeStatus{}
		if err := json.NewDecoder(resp.Body).Decode(status); err != nil {
			return fmt.Errorf("decoding status: %w", err)
		}
		printFleetStatus([]*common.NodeStatus{status}, os.Stdout)
		return nil
	}

	resp, err := cc.Client.GET(c.Context, cc.BaseURL+"/fleet/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fleet := &common.FleetStatus{}
	if err := json.NewDecoder(resp.Body).Decode(fleet); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}
	printFleetStatus(fleet.Nodes, os.Stdout)
	return nil
}

// printFleetStatus renders one row per node, in the registration order
// the coordinator returns them in.
func printFleetStatus(nodes []*common.NodeStatus, w io.Writer) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "NODE\tHEALTH\tDESIRED\tOBSERVED\tATTEMPT\tSYNCED\tREASON\n")
	for _, status := range nodes {
		node := status.Node

		var attempt, reason string
		if a := node.Attempt; a != nil {
			attempt = string(a.State)
			if a.Attempts > 1 {
				attempt = fmt.Sprintf("%s (%d)", a.State, a.Attempts)
			}
			if a.Detail != "" {
				reason = fmt.Sprintf("%q", a.Detail)
			}
		}

		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			node.ID,
			status.Health,
			describeState(node.Desired.RunState, node.Desired.Generation),
			describeState(node.Observed.RunState, node.Observed.Generation),
			attempt,
			transformTime(node.Observed.LastReconciled),
			reason)
	}
	tr.Flush()
}

// describeState compacts a run state and generation into one cell,
// i.e. "running@3". Nodes that have never reported are "unknown".
func describeState(state common.RunState, generation int64) string {
	if state == "" {
		return "unknown"
	}
	if generation == 0 {
		return string(state)
	}
	return fmt.Sprintf("%s@%d", state, generation)
}

func auditCmd(c *cli.Context) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}

	resp, err := cc.Client.GET(c.Context, fmt.Sprintf("%s/audit?limit=%d", cc.BaseURL, c.Int("limit")))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	entries := []*common.AuditEntry{}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("decoding audit log: %w", err)
	}
	printAudit(entries, os.Stdout)
	return nil
}

func printAudit(entries []*common.AuditEntry, w io.Writer) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "AGE\tOPERATOR\tACTION\tTARGET\tDETAIL\n")
	for _, entry := range entries {
		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\t%s\n",
			transformTime(entry.Timestamp), entry.Actor, entry.Action, entry.Target, entry.Detail)
	}
	tr.Flush()
}

func transformTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return durationToString(time.Since(ts))
}

func durationToString(d time.Duration) string {
	hr := d.Hours()
	if hr > 24 {
		return fmt.Sprintf("%dd", int(hr/24))
	}
	if hr > 1 {
		return fmt.Sprintf("%dh", int(hr))
	}

	min := d.Minutes()
	if min > 1 {
		return fmt.Sprintf("%dm", int(min))
	}

	return fmt.Sprintf("%ds", int(d.Seconds()))
}
