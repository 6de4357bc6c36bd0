// coordcli is the command line interface for the competition coordinator.
// It drives the coordinator's REST API: listing competitions, creating
// them through the admin surface, checking ticket status and operating the
// wallet.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli"
)

const (
	defaultRESTAddr      = "http://localhost:9090"
	defaultAdminRESTAddr = "http://localhost:9095"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[coordcli] %v\n", err)
	os.Exit(1)
}

// client is a minimal JSON client over the coordinator's REST surface.
type client struct {
	baseURL  string
	adminURL string
	http     *http.Client
}

func getClient(ctx *cli.Context) *client {
	return &client{
		baseURL:  ctx.GlobalString("rpcserver"),
		adminURL: ctx.GlobalString("adminserver"),
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// call performs one JSON round trip and decodes the response into a
// generic document for printing.
func (c *client) call(method, url string,
	body interface{}) (interface{}, error) {

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil &&
		err != io.EOF {

		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("server returned %d: %v",
			resp.StatusCode, decoded)
	}

	return decoded, nil
}

// printRespJSON pretty prints a decoded response.
func printRespJSON(resp interface{}) {
	out, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}

func main() {
	app := cli.NewApp()
	app.Name = "coordcli"
	app.Usage = "control plane for the competition coordinator"
	app.Version = "0.4.1"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rpcserver",
			Value: defaultRESTAddr,
			Usage: "base URL of the coordinator's public REST API",
		},
		cli.StringFlag{
			Name:  "adminserver",
			Value: defaultAdminRESTAddr,
			Usage: "base URL of the coordinator's admin REST API",
		},
	}
	app.Commands = []cli.Command{
		listCompetitionsCommand,
		createCompetitionCommand,
		ticketStatusCommand,
		leaderboardCommand,
		walletBalanceCommand,
		walletAddressCommand,
		walletFeesCommand,
		walletOutputsCommand,
		walletSendCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
