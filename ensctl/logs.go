package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
)

func logsCmd(c *cli.Context) error {
	node := c.Args().First()
	if node == "" {
		return errors.New("a node id is required")
	}

	cc, err := setup(c)
	if err != nil {
		return err
	}

	q := url.Values{}
	if offset := c.String("offset"); offset != "" {
		q.Add("offset", offset)
	}
	if tail := c.Int64("tail"); tail > 0 {
		q.Add("tail", strconv.FormatInt(tail, 10))
	}

	resp, err := cc.Client.GET(c.Context, cc.BaseURL+"/nodes/"+node+"/logs?"+q.Encode())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return err
	}

	// the cursor goes to stderr so piped output stays clean
	if next := resp.Header.Get("X-Log-Offset"); next != "" {
		fmt.Fprintf(os.Stderr, "(resume with --offset %s)\n", next)
	}
	return nil
}
