// Command hsmctl is a cobra-based CLI test driver for mockhsmd: one
// subcommand per C5 key-management operation plus echo and crypto-bridge
// smoke tests, driving a real client.ClientContext over TCP.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shadowmesh/hsmproto/client"
	"github.com/shadowmesh/hsmproto/cryptobridge"
	"github.com/shadowmesh/hsmproto/hsmconfig"
	"github.com/shadowmesh/hsmproto/keymgmt"
	"github.com/shadowmesh/hsmproto/logging"
	"github.com/shadowmesh/hsmproto/transport"
	"github.com/shadowmesh/hsmproto/wire"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "hsmctl",
		Short: "Drive an HSM protocol session against mockhsmd",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/hsmproto/hsmctl.yaml", "path to configuration file")

	root.AddCommand(
		echoCmd(),
		cacheCmd(),
		evictCmd(),
		commitCmd(),
		eraseCmd(),
		exportCmd(),
		randomCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// dial loads configPath and opens an initialized ClientContext against the
// configured mockhsmd server.
func dial() (*client.ClientContext, func(), error) {
	cfg, err := hsmconfig.LoadClientConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := logging.InitDefault("hsmctl", logging.ParseLevel(cfg.Logging.Level), cfg.Logging.File); err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}

	tr := transport.NewTCP(transport.TCPConfig{
		Address:     cfg.ServerAddress,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, err := client.Init(client.Config{ClientID: cfg.ClientID, Transport: tr})
	if err != nil {
		return nil, nil, fmt.Errorf("client init: %w", err)
	}

	if _, err := ctx.CommInit(cfg.ClientID); err != nil {
		ctx.Cleanup()
		return nil, nil, fmt.Errorf("comm init: %w", err)
	}

	cleanup := func() {
		ctx.CommClose()
		ctx.Cleanup()
	}
	return ctx, cleanup, nil
}

func echoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "echo <message>",
		Short: "Round-trip a message through the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cleanup, err := dial()
			if err != nil {
				return err
			}
			defer cleanup()

			out, err := ctx.Echo([]byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func cacheCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "cache <hex-key-material>",
		Short: "Cache key material on the server and print its assigned keyId",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			material, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("decode key material: %w", err)
			}
			ctx, cleanup, err := dial()
			if err != nil {
				return err
			}
			defer cleanup()

			id, err := keymgmt.Cache(ctx, wire.KeyIDErased, 0, []byte(label), material)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "hsmctl", "human-readable label stored alongside the key")
	return cmd
}

func evictCmd() *cobra.Command {
	return keyIDCmd("evict", "Evict a cached key from RAM", func(ctx *client.ClientContext, id wire.KeyID) error {
		return keymgmt.Evict(ctx, id)
	})
}

func commitCmd() *cobra.Command {
	return keyIDCmd("commit", "Promote a cached key to non-volatile storage", func(ctx *client.ClientContext, id wire.KeyID) error {
		return keymgmt.Commit(ctx, id)
	})
}

func eraseCmd() *cobra.Command {
	return keyIDCmd("erase", "Permanently erase a key from RAM and NVM", func(ctx *client.ClientContext, id wire.KeyID) error {
		return keymgmt.Erase(ctx, id)
	})
}

func keyIDCmd(use, short string, op func(*client.ClientContext, wire.KeyID) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <keyId>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			ctx, cleanup, err := dial()
			if err != nil {
				return err
			}
			defer cleanup()
			return op(ctx, id)
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <keyId>",
		Short: "Export a cached key's label and material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			ctx, cleanup, err := dial()
			if err != nil {
				return err
			}
			defer cleanup()

			_, _, requiredLen, err := keymgmt.Export(ctx, id, nil)
			if err != nil {
				return err
			}
			buf := make([]byte, requiredLen)
			label, data, _, err := keymgmt.Export(ctx, id, buf)
			if err != nil {
				return err
			}
			fmt.Printf("label=%s data=%s\n", label, hex.EncodeToString(data))
			return nil
		},
	}
}

func randomCmd() *cobra.Command {
	var devID uint32
	cmd := &cobra.Command{
		Use:   "random <n>",
		Short: "Draw n bytes of randomness through the crypto bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid byte count: %w", err)
			}

			cfg, err := hsmconfig.LoadClientConfig(configPath)
			if err != nil {
				return err
			}
			if err := logging.InitDefault("hsmctl", logging.ParseLevel(cfg.Logging.Level), cfg.Logging.File); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			tr := transport.NewTCP(transport.TCPConfig{Address: cfg.ServerAddress, DialTimeout: cfg.DialTimeout})
			bridge := cryptobridge.New(cryptobridge.DevID(devID))
			ctx, err := client.Init(client.Config{ClientID: cfg.ClientID, Transport: tr, Crypto: bridge})
			if err != nil {
				return err
			}
			defer ctx.Cleanup()

			if _, err := ctx.CommInit(cfg.ClientID); err != nil {
				return err
			}
			defer ctx.CommClose()

			out, err := bridge.Random(n)
			if err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(out))
			return nil
		},
	}
	cmd.Flags().Uint32Var(&devID, "dev-id", uint32(cryptobridge.DefaultDevID), "crypto bridge device id")
	return cmd
}

func parseKeyID(s string) (wire.KeyID, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid keyId: %w", err)
	}
	return wire.KeyID(n), nil
}
