package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/coldbell/escrow/backend/internal/program"
	"github.com/gagliardetto/solana-go"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := newCommand(os.Stdout).Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func newCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:   "escrowctl",
		Usage:  "inspect and trade escrow game records on an escrow node",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "node",
				Value:   "http://127.0.0.1:8080",
				Usage:   "escrow node API base URL",
				Sources: cli.EnvVars("ESCROWCTL_NODE"),
			},
			&cli.StringFlag{
				Name:    "program",
				Usage:   "escrow program id",
				Sources: cli.EnvVars("ESCROWCTL_PROGRAM_ID", "ESCROW_PROGRAM_ID"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "derive",
				Usage: "print the whitelist address and, with --game-id, a game record address",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "game-id", Usage: "game id to derive a record address for"},
				},
				Action: runDerive,
			},
			{
				Name:  "show",
				Usage: "print a game record",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "game", Required: true},
				},
				Action: runShow,
			},
			{
				Name:  "refresh",
				Usage: "submit a fetch_price transaction for a game",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "game", Required: true},
					keypairFlag(),
				},
				Action: runRefresh,
			},
			{
				Name:  "buy",
				Usage: "submit a buy_nft transaction",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "game", Required: true},
					&cli.StringFlag{Name: "price", Required: true, Usage: "price in display units, e.g. 12.5"},
					&cli.Uint8Flag{Name: "decimals", Value: 6, Sources: cli.EnvVars("ESCROW_PRICE_DECIMALS")},
					&cli.StringFlag{Name: "funding", Required: true, Usage: "buyer token account"},
					&cli.StringFlag{Name: "treasury", Required: true, Usage: "treasury token account"},
					&cli.StringFlag{Name: "metadata", Required: true, Usage: "item metadata account"},
					keypairFlag(),
				},
				Action: runBuy,
			},
		},
	}
}

func keypairFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "keypair",
		Value:   "~/.config/solana/id.json",
		Usage:   "solana-keygen file of the signer",
		Sources: cli.EnvVars("ESCROWCTL_KEYPAIR"),
	}
}

func runDerive(_ context.Context, cmd *cli.Command) error {
	programID, err := requireKey(cmd, "program")
	if err != nil {
		return err
	}
	whitelist, bump, err := program.DeriveWhitelistPDA(programID)
	if err != nil {
		return fmt.Errorf("derive whitelist: %w", err)
	}
	out := map[string]any{
		"program":        programID.String(),
		"whitelist":      whitelist.String(),
		"whitelist_bump": bump,
	}
	if cmd.IsSet("game-id") {
		gameID := cmd.Uint64("game-id")
		game, gameBump, err := program.DeriveGamePDA(programID, gameID)
		if err != nil {
			return fmt.Errorf("derive game %d: %w", gameID, err)
		}
		out["game_id"] = gameID
		out["game"] = game.String()
		out["game_bump"] = gameBump
	}
	return printJSON(cmd.Root().Writer, out)
}

func runShow(ctx context.Context, cmd *cli.Command) error {
	game, err := requireKey(cmd, "game")
	if err != nil {
		return err
	}
	record, err := newClient(cmd.String("node")).Game(ctx, game)
	if err != nil {
		return err
	}
	return printJSON(cmd.Root().Writer, record)
}

func runRefresh(ctx context.Context, cmd *cli.Command) error {
	programID, err := requireKey(cmd, "program")
	if err != nil {
		return err
	}
	game, err := requireKey(cmd, "game")
	if err != nil {
		return err
	}
	signer, err := loadKeypair(cmd.String("keypair"))
	if err != nil {
		return err
	}
	return submit(ctx, cmd, signer, program.NewRefreshPriceInstruction(programID, game))
}

func runBuy(ctx context.Context, cmd *cli.Command) error {
	programID, err := requireKey(cmd, "program")
	if err != nil {
		return err
	}
	signer, err := loadKeypair(cmd.String("keypair"))
	if err != nil {
		return err
	}
	price, err := parsePrice(cmd.String("price"), cmd.Uint8("decimals"))
	if err != nil {
		return err
	}

	accounts := program.BuyAccounts{Buyer: signer.PublicKey()}
	if accounts.Whitelist, _, err = program.DeriveWhitelistPDA(programID); err != nil {
		return fmt.Errorf("derive whitelist: %w", err)
	}
	for _, field := range []struct {
		flag string
		dst  *solana.PublicKey
	}{
		{"game", &accounts.Game},
		{"funding", &accounts.Funding},
		{"treasury", &accounts.Treasury},
		{"metadata", &accounts.Metadata},
	} {
		if *field.dst, err = requireKey(cmd, field.flag); err != nil {
			return err
		}
	}

	return submit(ctx, cmd, signer, program.NewBuyInstruction(programID, accounts, price))
}

func submit(ctx context.Context, cmd *cli.Command, signer solana.PrivateKey, ix solana.Instruction) error {
	tx, err := signTransaction(signer, ix)
	if err != nil {
		return err
	}
	result, err := newClient(cmd.String("node")).Submit(ctx, tx)
	if result != nil {
		if printErr := printJSON(cmd.Root().Writer, result); printErr != nil {
			return printErr
		}
	}
	return err
}

// signTransaction signs with a random recent blockhash; the node only uses it
// to keep otherwise identical transactions distinct.
func signTransaction(signer solana.PrivateKey, instructions ...solana.Instruction) (*solana.Transaction, error) {
	var recent solana.Hash
	if _, err := rand.Read(recent[:]); err != nil {
		return nil, fmt.Errorf("generate blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(instructions, recent, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

func requireKey(cmd *cli.Command, flag string) (solana.PublicKey, error) {
	raw := cmd.String(flag)
	if raw == "" {
		return solana.PublicKey{}, fmt.Errorf("--%s is required", flag)
	}
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid --%s: %w", flag, err)
	}
	return key, nil
}

func loadKeypair(path string) (solana.PrivateKey, error) {
	if len(path) > 1 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("expand keypair path: %w", err)
		}
		path = home + path[1:]
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", path, err)
	}
	return key, nil
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
