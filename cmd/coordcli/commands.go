package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli"
)

var listCompetitionsCommand = cli.Command{
	Name:     "listcompetitions",
	Category: "Competitions",
	Usage:    "List all competitions.",
	Action:   listCompetitions,
}

func listCompetitions(ctx *cli.Context) error {
	c := getClient(ctx)

	resp, err := c.call("GET", c.baseURL+"/competitions", nil)
	if err != nil {
		return err
	}

	printRespJSON(resp)
	return nil
}

var createCompetitionCommand = cli.Command{
	Name:     "createcompetition",
	Category: "Competitions",
	Usage:    "Create a new competition via the admin API.",
	Description: `
	Creates a competition. The observation window is given as RFC3339
	timestamps, locations as a comma separated list of station IDs.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "signing_deadline",
			Usage: "RFC3339 deadline for the signing ceremony",
		},
		cli.StringFlag{
			Name:  "start_observation",
			Usage: "RFC3339 start of the observation window",
		},
		cli.StringFlag{
			Name:  "end_observation",
			Usage: "RFC3339 end of the observation window",
		},
		cli.StringFlag{
			Name:  "locations",
			Usage: "comma separated station IDs",
		},
		cli.IntFlag{
			Name:  "values_per_entry",
			Usage: "number of predictions per entry",
		},
		cli.IntFlag{
			Name:  "total_entries",
			Usage: "total ticket slots",
		},
		cli.Int64Flag{
			Name:  "entry_fee",
			Usage: "entry fee in satoshis",
		},
		cli.UintFlag{
			Name:  "coordinator_fee",
			Usage: "coordinator fee percentage",
		},
		cli.Int64Flag{
			Name:  "pool",
			Usage: "total prize pool in satoshis",
		},
		cli.IntFlag{
			Name:  "places",
			Value: 1,
			Usage: "number of winning places",
		},
	},
	Action: createCompetition,
}

func createCompetition(ctx *cli.Context) error {
	c := getClient(ctx)

	parseTime := func(flag string) (time.Time, error) {
		value := ctx.String(flag)
		if value == "" {
			return time.Time{}, fmt.Errorf("%s is required", flag)
		}
		return time.Parse(time.RFC3339, value)
	}

	signingDeadline, err := parseTime("signing_deadline")
	if err != nil {
		return err
	}
	startObservation, err := parseTime("start_observation")
	if err != nil {
		return err
	}
	endObservation, err := parseTime("end_observation")
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"signing_deadline":        signingDeadline,
		"start_observation":       startObservation,
		"end_observation":         endObservation,
		"locations":               strings.Split(ctx.String("locations"), ","),
		"values_per_entry":        ctx.Int("values_per_entry"),
		"total_allowed_entries":   ctx.Int("total_entries"),
		"entry_fee_sats":          ctx.Int64("entry_fee"),
		"coordinator_fee_percent": ctx.Uint("coordinator_fee"),
		"total_pool_sats":         ctx.Int64("pool"),
		"number_of_places_win":    ctx.Int("places"),
	}

	resp, err := c.call(
		"POST", c.adminURL+"/admin/api/competitions", payload,
	)
	if err != nil {
		return err
	}

	printRespJSON(resp)
	return nil
}

var ticketStatusCommand = cli.Command{
	Name:      "ticketstatus",
	Category:  "Competitions",
	Usage:     "Show the payment status of a ticket.",
	ArgsUsage: "competition_id ticket_id",
	Action:    ticketStatus,
}

func ticketStatus(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "ticketstatus")
	}

	c := getClient(ctx)
	url := fmt.Sprintf("%s/competitions/%s/tickets/%s", c.baseURL,
		ctx.Args().Get(0), ctx.Args().Get(1))

	resp, err := c.call("GET", url, nil)
	if err != nil {
		return err
	}

	printRespJSON(resp)
	return nil
}

var leaderboardCommand = cli.Command{
	Name:      "leaderboard",
	Category:  "Competitions",
	Usage:     "Show the ranked entries of a competition.",
	ArgsUsage: "competition_id",
	Action:    leaderboard,
}

func leaderboard(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "leaderboard")
	}

	c := getClient(ctx)
	url := fmt.Sprintf("%s/competitions/%s/leaderboard", c.baseURL,
		ctx.Args().First())

	resp, err := c.call("GET", url, nil)
	if err != nil {
		return err
	}

	printRespJSON(resp)
	return nil
}

var walletBalanceCommand = cli.Command{
	Name:     "walletbalance",
	Category: "Wallet",
	Usage:    "Show the coordinator wallet's confirmed balance.",
	Action:   walletBalance,
}

func walletBalance(ctx *cli.Context) error {
	c := getClient(ctx)

	resp, err := c.call("GET", c.adminURL+"/admin/wallet/balance", nil)
	if err != nil {
		return err
	}

	printRespJSON(resp)
	return nil
}

var walletAddressCommand = cli.Command{
	Name:     "walletaddress",
	Category: "Wallet",
	Usage:    "Derive a fresh wallet address.",
	Action:   walletAddress,
}

func walletAddress(ctx *cli.Context) error {
	c := getClient(ctx)

	resp, err := c.call("GET", c.adminURL+"/admin/wallet/address", nil)
	if err != nil {
		return err
	}

	printRespJSON(resp)
	return nil
}

var walletFeesCommand = cli.Command{
	Name:     "walletfees",
	Category: "Wallet",
	Usage:    "Show current fee estimates in sat/vB.",
	Action:   walletFees,
}

func walletFees(ctx *cli.Context) error {
	c := getClient(ctx)

	resp, err := c.call("GET", c.adminURL+"/admin/wallet/fees", nil)
	if err != nil {
		return err
	}

	printRespJSON(resp)
	return nil
}

var walletOutputsCommand = cli.Command{
	Name:     "walletoutputs",
	Category: "Wallet",
	Usage:    "List the wallet's spendable outputs.",
	Action:   walletOutputs,
}

func walletOutputs(ctx *cli.Context) error {
	c := getClient(ctx)

	resp, err := c.call("GET", c.adminURL+"/admin/wallet/outputs", nil)
	if err != nil {
		return err
	}

	printRespJSON(resp)
	return nil
}

var walletSendCommand = cli.Command{
	Name:      "walletsend",
	Category:  "Wallet",
	Usage:     "Send funds from the coordinator wallet.",
	ArgsUsage: "address amount_sats",
	Action:    walletSend,
}

func walletSend(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "walletsend")
	}

	c := getClient(ctx)

	var amount int64
	if _, err := fmt.Sscanf(ctx.Args().Get(1), "%d", &amount); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}

	payload := map[string]interface{}{
		"address":     ctx.Args().First(),
		"amount_sats": amount,
	}

	resp, err := c.call("POST", c.adminURL+"/admin/wallet/send", payload)
	if err != nil {
		return err
	}

	printRespJSON(resp)
	return nil
}
