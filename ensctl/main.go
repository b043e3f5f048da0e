package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/ensemble-fleet/ensemble/common"
	"github.com/ensemble-fleet/ensemble/internal/rpc"
)

func main() {
	app := &cli.App{
		Name:  "ensctl",
		Usage: "Ensemble fleet admin tools",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "coordinator",
				Usage:    "address of the Ensemble coordinator i.e. `ensemble.mydomain` or `ensemble.mydomain:8123`",
				Required: true,
				EnvVars:  []string{"ENSEMBLE_COORDINATOR"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "timeout when sending requests to the coordinator",
				Value: time.Second * 15,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "login",
				Usage:     "Authenticate as an operator and store the session token",
				ArgsUsage: "<operator name>",
				Action:    loginCmd,
			},
			{
				Name:   "hashpw",
				Usage:  "Hash a password for the coordinator's operators file",
				Action: hashpwCmd,
			},
			{
				Name:      "register",
				Usage:     "Enroll a node in the fleet",
				ArgsUsage: "<node id> <agent host:port> <agent cert fingerprint>",
				Action:    registerCmd,
			},
			{
				Name:      "deregister",
				Usage:     "Remove a stopped node from the fleet",
				ArgsUsage: "<node id>",
				Action:    deregisterCmd,
			},
			{
				Name:      "status",
				Usage:     "Show desired state, observed state, and health per node",
				ArgsUsage: "[node id]",
				Action:    statusCmd,
			},
			{
				Name:  "config",
				Usage: "Manage configuration generations",
				Subcommands: []*cli.Command{
					{
						Name:      "push",
						Usage:     "Push a payload as a new generation",
						ArgsUsage: "<node id>",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "JSON payload file, - for stdin", Required: true},
							&cli.BoolFlag{Name: "all", Usage: "push to every node in the fleet"},
						},
						Action: configPushCmd,
					},
					{
						Name:      "rollback",
						Usage:     "Re-target a node at one of its older generations",
						ArgsUsage: "<node id> <generation>",
						Action:    configRollbackCmd,
					},
					{
						Name:      "history",
						Usage:     "List a node's configuration generations",
						ArgsUsage: "<node id>",
						Action:    configHistoryCmd,
					},
				},
			},
			{
				Name:      "start",
				Usage:     "Start the supervised process",
				ArgsUsage: "<node id>",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "all", Usage: "apply to every node in the fleet"}},
				Action: func(c *cli.Context) error {
					return runStateCmd(c, common.RunStateRunning, false)
				},
			},
			{
				Name:      "stop",
				Usage:     "Stop the supervised process",
				ArgsUsage: "<node id>",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "all", Usage: "apply to every node in the fleet"}},
				Action: func(c *cli.Context) error {
					return runStateCmd(c, common.RunStateStopped, false)
				},
			},
			{
				Name:      "restart",
				Usage:     "Restart the supervised process",
				ArgsUsage: "<node id>",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "all", Usage: "apply to every node in the fleet"}},
				Action: func(c *cli.Context) error {
					return runStateCmd(c, common.RunStateRunning, true)
				},
			},
			{
				Name:      "logs",
				Usage:     "Fetch supervised process logs from a node",
				ArgsUsage: "<node id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "offset", Usage: "resume from a cursor printed by a previous call"},
					&cli.Int64Flag{Name: "tail", Usage: "only the last N bytes"},
				},
				Action: logsCmd,
			},
			{
				Name:   "audit",
				Usage:  "Show recent control plane actions, newest first",
				Flags:  []cli.Flag{&cli.IntFlag{Name: "limit", Value: 25, Usage: "number of entries"}},
				Action: auditCmd,
			},
		},
	}

	err := app.Run(os.Args)
	if err == nil {
		return
	}

	fmt.Fprint(os.Stderr, getErrorString(err))
	os.Exit(1)
}

type appContext struct {
	Client  *rpc.Client
	BaseURL string
	dir     string
}

func setup(c *cli.Context) (*appContext, error) {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting homedir: %w", err)
	}
	dir := filepath.Join(homedir, ".ensctl")

	cert, _, err := rpc.GenCertificate(dir)
	if err != nil {
		return nil, fmt.Errorf("generating cert: %w", err)
	}

	trusted, err := loadTrustedCerts(dir)
	if err != nil {
		return nil, fmt.Errorf("reading trusted certs file: %w", err)
	}

	client := rpc.NewClient(cert, c.Duration("timeout"), rpc.AuthorizerFunc(func(fingerprint string) bool {
		_, ok := trusted[fingerprint]
		return ok
	}))

	if buf, err := os.ReadFile(filepath.Join(dir, "token")); err == nil {
		client.BearerToken = strings.TrimSpace(string(buf))
	}

	return &appContext{
		Client:  client,
		BaseURL: rpc.UrlPrefix(c.String("coordinator"), "8123"),
		dir:     dir,
	}, nil
}

func loadTrustedCerts(dir string) (map[string]struct{}, error) {
	m := map[string]struct{}{}

	buf, err := os.ReadFile(filepath.Join(dir, "trustedcerts"))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading trusted certs file: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewBuffer(buf))
	for scanner.Scan() {
		m[scanner.Text()] = struct{}{}
	}

	return m, nil
}

func getErrorString(err error) string {
	es := &rpc.ErrUntrustedServer{}
	if errors.As(err, &es) {
		return fmt.Sprintf("The certificate presented by the server is not trusted. Use this command to trust it:\n\n  echo \"%s\" >> %s\n\n", es.Fingerprint, "~/.ensctl/trustedcerts")
	}

	ea := &rpc.ErrUnauthenticated{}
	if errors.As(err, &ea) {
		return "You are not logged in, or your session has expired. Log in with:\n\n  ensctl login <operator name>\n\n"
	}

	ec := &rpc.ErrUntrustedClient{}
	if errors.As(err, &ec) {
		return "The server refused this action for your operator role.\n"
	}

	status := &rpc.ErrStatus{}
	if errors.As(err, &status) {
		return getRejectionString(status)
	}

	return fmt.Sprintf("error: %s\n", err)
}

// getRejectionString unpacks the server's error body, including field
// errors when a configuration payload is rejected.
func getRejectionString(status *rpc.ErrStatus) string {
	resp := &common.ErrorResponse{}
	if json.Unmarshal([]byte(status.Body), resp) != nil || resp.Error == "" {
		return fmt.Sprintf("error: %s\n", status.Error())
	}

	sb := &strings.Builder{}
	fmt.Fprintf(sb, "error: %s\n", resp.Error)
	if resp.Validation != nil {
		for _, ve := range resp.Validation.Errors {
			fmt.Fprintf(sb, "  %s: %s\n", ve.Field, ve.Reason)
		}
	}
	return sb.String()
}

func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(password), nil
}

func loginCmd(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return errors.New("an operator name is required")
	}

	cc, err := setup(c)
	if err != nil {
		return err
	}

	password, err := readPassword()
	if err != nil {
		return err
	}

	body, err := json.Marshal(&common.LoginRequest{Name: name, Password: password})
	if err != nil {
		return err
	}

	resp, err := cc.Client.POST(c.Context, cc.BaseURL+"/login", bytes.NewReader(body))
	ea := &rpc.ErrUnauthenticated{}
	if errors.As(err, &ea) {
		return errors.New("login rejected - check the name and password")
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	token := &common.TokenResponse{}
	if err := json.NewDecoder(resp.Body).Decode(token); err != nil {
		return fmt.Errorf("decoding token: %w", err)
	}

	if err := os.WriteFile(filepath.Join(cc.dir, "token"), []byte(token.Token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	fmt.Printf("Logged in as %s\n", name)
	return nil
}

func hashpwCmd(c *cli.Context) error {
	password, err := readPassword()
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	fmt.Printf("[[operator]]\nname = \"<name>\"\nrole = \"<admin|operator|viewer>\"\npasswordhash = \"%s\"\n", hash)
	return nil
}

func registerCmd(c *cli.Context) error {
	if c.NArg() < 3 {
		return errors.New("usage: ensctl register <node id> <agent host:port> <agent cert fingerprint>")
	}

	cc, err := setup(c)
	if err != nil {
		return err
	}

	body, err := json.Marshal(&common.RegisterNodeRequest{
		ID:          c.Args().Get(0),
		Address:     c.Args().Get(1),
		Fingerprint: c.Args().Get(2),
	})
	if err != nil {
		return err
	}

	resp, err := cc.Client.POST(c.Context, cc.BaseURL+"/nodes", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	fmt.Printf("Registered node %s\n", c.Args().Get(0))
	return nil
}

func deregisterCmd(c *cli.Context) error {
	node := c.Args().First()
	if node == "" {
		return errors.New("a node id is required")
	}

	cc, err := setup(c)
	if err != nil {
		return err
	}

	resp, err := cc.Client.DELETE(c.Context, cc.BaseURL+"/nodes/"+node)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	fmt.Printf("Deregistered node %s\n", node)
	return nil
}
