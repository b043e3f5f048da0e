package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/ensemble-fleet/ensemble/common"
)

func configPushCmd(c *cli.Context) error {
	payload, err := readPayloadFile(c.String("file"))
	if err != nil {
		return err
	}

	cc, err := setup(c)
	if err != nil {
		return err
	}

	body, err := json.Marshal(&common.ConfigurationRequest{Payload: payload})
	if err != nil {
		return err
	}

	if c.Bool("all") {
		resp, err := cc.Client.PUT(c.Context, cc.BaseURL+"/fleet/configuration", bytes.NewReader(body))
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
			return fmt.Errorf("%d node(s) rejected the configuration", len(op.Errors))
		}
		return nil
	}

	node := c.Args().First()
	if node == "" {
		return errors.New("a node id is required (or --all)")
	}

	resp, err := cc.Client.PUT(c.Context, cc.BaseURL+"/nodes/"+node+"/configuration", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	conf := &common.ConfigurationResponse{}
	if err := json.NewDecoder(resp.Body).Decode(conf); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Printf("Pushed generation %d to %s (attempt %s)\n", conf.Generation, node, conf.Attempt)
	return nil
}

func configRollbackCmd(c *cli.Context) error {
	if c.NArg() < 2 {
		return errors.New("a node id and generation are required")
	}
	node := c.Args().Get(0)

	generation, err := strconv.ParseInt(c.Args().Get(1), 10, 64)
	if err != nil || generation < 1 {
		return errors.New("generation must be a positive integer")
	}

	cc, err := setup(c)
	if err != nil {
		return err
	}

	body, err := json.Marshal(&common.ConfigurationRequest{Generation: generation})
	if err != nil {
		return err
	}

	resp, err := cc.Client.PUT(c.Context, cc.BaseURL+"/nodes/"+node+"/configuration", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	conf := &common.ConfigurationResponse{}
	if err := json.NewDecoder(resp.Body).Decode(conf); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Printf("Rolled %s back to generation %d (attempt %s)\n", node, conf.Generation, conf.Attempt)
	return nil
}

func configHistoryCmd(c *cli.Context) error {
	node := c.Args().First()
	if node == "" {
		return errors.New("a node id is required")
	}

	cc, err := setup(c)
	if err != nil {
		return err
	}

	resp, err := cc.Client.GET(c.Context, cc.BaseURL+"/nodes/"+node+"/generations")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	gens := []*common.Generation{}
	if err := json.NewDecoder(resp.Body).Decode(&gens); err != nil {
		return fmt.Errorf("decoding generations: %w", err)
	}
	printGenerations(gens, os.Stdout)
	return nil
}

func printGenerations(gens []*common.Generation, w io.Writer) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "GENERATION\tCREATED\n")
	for _, gen := range gens {
		fmt.Fprintf(tr, "%d\t%s\n", gen.ID, transformTime(gen.CreatedAt))
	}
	tr.Flush()
}

// readPayloadFile loads a configuration payload from a JSON file,
// or from stdin when the path is "-".
func readPayloadFile(path string) (map[string]any, error) {
	var buf []byte
	var err error
	if path == "-" {
		buf, err = io.ReadAll(os.Stdin)
	} else {
		buf, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	payload := map[string]any{}
	if err := json.Unmarshal(buf, &payload); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}
	return payload, nil
}
